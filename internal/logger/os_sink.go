package logger

import (
	"fmt"
	"io"
)

// osSink is a LogSink that writes to an io.Writer, used as the default Sink when no LogSink is
// given to New and MONGODB_LOG_PATH doesn't point anywhere more specific.
type osSink struct {
	io.Writer
}

// newOSSink constructs an osSink writing to w.
func newOSSink(w io.Writer) LogSink {
	return &osSink{Writer: w}
}

// Info implements LogSink.
func (o *osSink) Info(level int, msg string, keysAndValues ...interface{}) {
	fmt.Fprintln(o.Writer, append([]interface{}{level, msg}, keysAndValues...)...)
}

// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package options holds the functional-options builders every collection/database/client method
// accepts, plus ClientOptionsBuilder: the mongodb://, mongodb+srv:// connection-string and
// explicit-setter surface described by §4.0/§6 of the driver design.
package options

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/driftlane/mgdriver/event"
	"github.com/driftlane/mgdriver/mongo/readconcern"
	"github.com/driftlane/mgdriver/mongo/readpref"
	"github.com/driftlane/mgdriver/mongo/writeconcern"
	"github.com/driftlane/mgdriver/x/mongo/driver"
	"github.com/driftlane/mgdriver/x/mongo/driver/connstring"
)

// Package-level defaults, matching spec §6's connection string option table exactly. Zero-value
// ClientOptions fields are nil (unset); these constants are what a Topology/Pool falls back to
// when the corresponding field was never set.
const (
	DefaultLocalThreshold         = 15 * time.Millisecond
	DefaultServerSelectionTimeout = 30 * time.Second
	DefaultHeartbeatInterval      = 10 * time.Second
	DefaultMaxPoolSize            = uint64(10)
	DefaultMinPoolSize            = uint64(0)
	DefaultMaxConnecting          = uint64(2)
	DefaultRetryReads             = true
	DefaultRetryWrites            = true
	DefaultZlibLevel              = 6
	DefaultSRVServiceName         = connstring.DefaultSRVServiceName
)

// ContextDialer is implemented by a custom network dialer, set via SetDialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ClientOptions holds the resolved client configuration: every field a connection string or
// explicit setter can populate. Unset fields are nil/zero; downstream components consult the
// Default* constants above for what an unset field means.
type ClientOptions struct {
	AppName                  *string
	Auth                     *Credential
	Compressors              []string
	ConnectTimeout           *time.Duration
	Dialer                   ContextDialer
	Direct                   *bool
	DisableOCSPEndpointCheck *bool
	HeartbeatInterval        *time.Duration
	Hosts                    []string
	LoadBalanced             *bool
	LocalThreshold           *time.Duration
	MaxConnecting            *uint64
	MaxConnIdleTime          *time.Duration
	MaxPoolSize              *uint64
	MinPoolSize              *uint64
	Monitor                  *event.CommandMonitor
	PoolMonitor              *event.PoolMonitor
	ServerMonitor            *event.ServerMonitor
	ReadConcern              *readconcern.ReadConcern
	ReadPreference           *readpref.ReadPref
	ReplicaSet               *string
	RetryReads               *bool
	RetryWrites              *bool
	ServerAPIOptions         *driver.ServerAPIOptions
	ServerSelectionTimeout   *time.Duration
	SocketTimeout            *time.Duration
	SRVMaxHosts              *int
	SRVServiceName           *string
	TLSConfig                *tls.Config
	WaitQueueTimeout         *time.Duration
	WriteConcern             *writeconcern.WriteConcern
	ZlibLevel                *int

	connString *connstring.ConnString
}

// ClientOptionsBuilder accumulates setter closures applied, in order, to build a ClientOptions.
// Every Set* method and ApplyURI appends one closure; Validate (or a Client constructor)
// replays them into a fresh ClientOptions, stopping at the first error.
type ClientOptionsBuilder struct {
	Opts []func(*ClientOptions) error
}

// Client constructs a new, empty ClientOptionsBuilder.
func Client() *ClientOptionsBuilder {
	return &ClientOptionsBuilder{}
}

// OptionsSetters returns the accumulated setter functions.
func (cob *ClientOptionsBuilder) OptionsSetters() []func(*ClientOptions) error {
	return cob.Opts
}

// ArgsList replays every accumulated setter into a fresh ClientOptions, stopping at (and
// returning) the first error — so an ApplyURI parse failure is never masked by a later call.
func (cob *ClientOptionsBuilder) ArgsList() (*ClientOptions, error) {
	args := &ClientOptions{}
	for _, set := range cob.Opts {
		if err := set(args); err != nil {
			return args, err
		}
	}
	return args, nil
}

// ApplyURI parses uri (mongodb:// or mongodb+srv://, with SRV/TXT DNS resolution for the latter)
// and merges every option it recognizes into the client options being built.
func (cob *ClientOptionsBuilder) ApplyURI(uri string) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error {
		return setURIArgs(uri, args)
	})
	return cob
}

// Validate replays the accumulated options and checks the cross-option invariants §6 implies
// (loadBalanced/srvMaxHosts exclusivity, minPoolSize <= maxPoolSize, a supported ServerAPI
// version, directConnection vs. multiple hosts or an SRV URI).
func (cob *ClientOptionsBuilder) Validate() error {
	args, err := cob.ArgsList()
	if err != nil {
		return err
	}

	hosts := args.Hosts
	if args.connString != nil {
		hosts = args.connString.Hosts
	}

	if args.Direct != nil && *args.Direct {
		if len(hosts) > 1 {
			return fmt.Errorf("a direct connection cannot be made if multiple hosts are specified")
		}
		if args.connString != nil && args.connString.Scheme == connstring.SchemeMongoDBSRV {
			return fmt.Errorf("a direct connection cannot be made if an SRV URI is used")
		}
	}

	if args.LoadBalanced != nil && *args.LoadBalanced {
		if len(hosts) > 1 {
			return connstring.ErrLoadBalancedWithMultipleHosts
		}
		if args.ReplicaSet != nil && *args.ReplicaSet != "" {
			return connstring.ErrLoadBalancedWithReplicaSet
		}
		if args.Direct != nil && *args.Direct {
			return connstring.ErrLoadBalancedWithDirectConnection
		}
	}

	if args.SRVMaxHosts != nil && *args.SRVMaxHosts > 0 {
		if args.ReplicaSet != nil && *args.ReplicaSet != "" {
			return connstring.ErrSRVMaxHostsWithReplicaSet
		}
		if args.LoadBalanced != nil && *args.LoadBalanced {
			return connstring.ErrSRVMaxHostsWithLoadBalanced
		}
	}

	if args.MinPoolSize != nil && args.MaxPoolSize != nil && *args.MaxPoolSize != 0 && *args.MinPoolSize > *args.MaxPoolSize {
		return fmt.Errorf("minPoolSize must be less than or equal to maxPoolSize, got minPoolSize=%d maxPoolSize=%d",
			*args.MinPoolSize, *args.MaxPoolSize)
	}

	if args.ServerAPIOptions != nil && args.ServerAPIOptions.ServerAPIVersion != ServerAPIVersion1 {
		return fmt.Errorf("api version %q not supported; this driver version only supports API version %q",
			args.ServerAPIOptions.ServerAPIVersion, ServerAPIVersion1)
	}

	return nil
}

// ServerAPIVersion1 is the only stable API version this driver build understands.
const ServerAPIVersion1 = "1"

// ServerAPI constructs ServerAPIOptions declaring version.
func ServerAPI(version string) *driver.ServerAPIOptions {
	return &driver.ServerAPIOptions{ServerAPIVersion: version}
}

// SetAppName sets the AppName field, attached to the hello handshake and every command log line.
func (cob *ClientOptionsBuilder) SetAppName(s string) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.AppName = &s; return nil })
	return cob
}

// SetAuth sets the Auth credential used to authenticate every connection.
func (cob *ClientOptionsBuilder) SetAuth(cred Credential) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.Auth = &cred; return nil })
	return cob
}

// SetCompressors sets the list of compressors offered during the handshake, in preference order.
func (cob *ClientOptionsBuilder) SetCompressors(comps []string) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.Compressors = comps; return nil })
	return cob
}

// SetConnectTimeout sets the dial timeout for establishing a new connection.
func (cob *ClientOptionsBuilder) SetConnectTimeout(d time.Duration) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.ConnectTimeout = &d; return nil })
	return cob
}

// SetDialer sets a custom dialer used instead of net.Dialer for new connections.
func (cob *ClientOptionsBuilder) SetDialer(d ContextDialer) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.Dialer = d; return nil })
	return cob
}

// SetDirect forces a Single-topology direct connection to the sole configured host.
func (cob *ClientOptionsBuilder) SetDirect(b bool) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.Direct = &b; return nil })
	return cob
}

// SetDisableOCSPEndpointCheck disables the online OCSP responder check during TLS handshakes,
// falling back to any stapled OCSP response only.
func (cob *ClientOptionsBuilder) SetDisableOCSPEndpointCheck(b bool) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.DisableOCSPEndpointCheck = &b; return nil })
	return cob
}

// SetHeartbeatInterval sets the interval between SDAM heartbeats.
func (cob *ClientOptionsBuilder) SetHeartbeatInterval(d time.Duration) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.HeartbeatInterval = &d; return nil })
	return cob
}

// SetHosts sets the deployment's seed list directly, bypassing URI host parsing.
func (cob *ClientOptionsBuilder) SetHosts(hosts []string) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.Hosts = hosts; return nil })
	return cob
}

// SetLoadBalanced forces the LoadBalanced topology kind.
func (cob *ClientOptionsBuilder) SetLoadBalanced(b bool) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.LoadBalanced = &b; return nil })
	return cob
}

// SetLocalThreshold sets the acceptable RTT band above the fastest known server within which
// every candidate is considered equally eligible.
func (cob *ClientOptionsBuilder) SetLocalThreshold(d time.Duration) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.LocalThreshold = &d; return nil })
	return cob
}

// SetMaxConnecting sets the maximum number of connections a pool may be establishing concurrently.
func (cob *ClientOptionsBuilder) SetMaxConnecting(u uint64) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.MaxConnecting = &u; return nil })
	return cob
}

// SetMaxConnIdleTime sets how long a pooled connection may sit idle before being closed.
func (cob *ClientOptionsBuilder) SetMaxConnIdleTime(d time.Duration) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.MaxConnIdleTime = &d; return nil })
	return cob
}

// SetMaxPoolSize sets the maximum number of connections a pool may hold per server.
func (cob *ClientOptionsBuilder) SetMaxPoolSize(u uint64) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.MaxPoolSize = &u; return nil })
	return cob
}

// SetMinPoolSize sets the minimum number of connections a pool tries to maintain per server.
func (cob *ClientOptionsBuilder) SetMinPoolSize(u uint64) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.MinPoolSize = &u; return nil })
	return cob
}

// SetMonitor sets the CommandMonitor that receives CommandStarted/Succeeded/Failed events.
func (cob *ClientOptionsBuilder) SetMonitor(m *event.CommandMonitor) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.Monitor = m; return nil })
	return cob
}

// SetPoolMonitor sets the PoolMonitor that receives CMAP events.
func (cob *ClientOptionsBuilder) SetPoolMonitor(m *event.PoolMonitor) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.PoolMonitor = m; return nil })
	return cob
}

// SetServerMonitor sets the ServerMonitor that receives SDAM events.
func (cob *ClientOptionsBuilder) SetServerMonitor(m *event.ServerMonitor) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.ServerMonitor = m; return nil })
	return cob
}

// SetReadConcern sets the default read concern for operations that don't specify their own.
func (cob *ClientOptionsBuilder) SetReadConcern(rc *readconcern.ReadConcern) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.ReadConcern = rc; return nil })
	return cob
}

// SetReadPreference sets the default read preference for operations that don't specify their own.
func (cob *ClientOptionsBuilder) SetReadPreference(rp *readpref.ReadPref) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.ReadPreference = rp; return nil })
	return cob
}

// SetReplicaSet constrains the topology to the named replica set.
func (cob *ClientOptionsBuilder) SetReplicaSet(s string) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.ReplicaSet = &s; return nil })
	return cob
}

// SetRetryWrites enables automatic one-retry of retryable write errors.
func (cob *ClientOptionsBuilder) SetRetryWrites(b bool) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.RetryWrites = &b; return nil })
	return cob
}

// SetRetryReads enables automatic one-retry of retryable read errors.
func (cob *ClientOptionsBuilder) SetRetryReads(b bool) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.RetryReads = &b; return nil })
	return cob
}

// SetServerAPIOptions declares the stable API version attached to every command.
func (cob *ClientOptionsBuilder) SetServerAPIOptions(opts *driver.ServerAPIOptions) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.ServerAPIOptions = opts; return nil })
	return cob
}

// SetServerSelectionTimeout sets how long SelectServer blocks before giving up.
func (cob *ClientOptionsBuilder) SetServerSelectionTimeout(d time.Duration) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.ServerSelectionTimeout = &d; return nil })
	return cob
}

// SetSocketTimeout sets the read/write timeout applied to every connection.
func (cob *ClientOptionsBuilder) SetSocketTimeout(d time.Duration) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.SocketTimeout = &d; return nil })
	return cob
}

// SetSRVMaxHosts sets SRVMaxHosts, which Validate checks against replicaSet and loadBalanced. It
// does not change the seed list: the cap on SRV hosts comes only from the URI's srvMaxHosts
// option during parsing, which keeps the first n records in the order the lookup returned them.
func (cob *ClientOptionsBuilder) SetSRVMaxHosts(n int) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.SRVMaxHosts = &n; return nil })
	return cob
}

// SetSRVServiceName overrides the SRV service name looked up ("mongodb" by default).
func (cob *ClientOptionsBuilder) SetSRVServiceName(s string) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.SRVServiceName = &s; return nil })
	return cob
}

// SetTLSConfig sets the TLS configuration dialed with, overriding any tls* URI options.
func (cob *ClientOptionsBuilder) SetTLSConfig(cfg *tls.Config) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.TLSConfig = cfg; return nil })
	return cob
}

// SetWriteConcern sets the default write concern for operations that don't specify their own.
func (cob *ClientOptionsBuilder) SetWriteConcern(wc *writeconcern.WriteConcern) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.WriteConcern = wc; return nil })
	return cob
}

// SetZlibLevel sets the zlib compression level used when "zlib" is a negotiated compressor.
func (cob *ClientOptionsBuilder) SetZlibLevel(level int) *ClientOptionsBuilder {
	cob.Opts = append(cob.Opts, func(args *ClientOptions) error { args.ZlibLevel = &level; return nil })
	return cob
}

// setURIArgs parses uri and merges every option it recognizes into args, per §6's option table.
func setURIArgs(uri string, args *ClientOptions) error {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return fmt.Errorf("error parsing uri: %w", err)
	}
	args.connString = cs
	args.Hosts = cs.Hosts

	if cs.Username != "" || cs.PasswordSet {
		authSource := cs.Database
		if authSource == "" {
			authSource = "admin"
		}
		cred := &Credential{Username: cs.Username, Password: cs.Password, PasswordSet: cs.PasswordSet, AuthSource: authSource}
		args.Auth = cred
	}

	if v, ok := cs.OptionSingle("authsource"); ok {
		if args.Auth == nil {
			args.Auth = &Credential{}
		}
		args.Auth.AuthSource = v
	}
	if v, ok := cs.OptionSingle("authmechanism"); ok {
		if args.Auth == nil {
			args.Auth = &Credential{}
		}
		args.Auth.AuthMechanism = v
		if args.Auth.AuthSource == "" {
			args.Auth.AuthSource = "$external"
		}
	}
	if v, ok := cs.OptionSingle("authmechanismproperties"); ok {
		if args.Auth == nil {
			args.Auth = &Credential{}
		}
		props := map[string]string{}
		for _, pair := range strings.Split(v, ",") {
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) == 2 {
				props[kv[0]] = kv[1]
			}
		}
		args.Auth.AuthMechanismProperties = props
	}

	if v, ok := cs.OptionSingle("appname"); ok {
		args.AppName = &v
	}
	if v, ok := cs.OptionSingle("replicaset"); ok {
		args.ReplicaSet = &v
	}
	if b, ok, err := boolOpt(cs, "directconnection"); err != nil {
		return err
	} else if ok {
		args.Direct = &b
	}
	if v, ok := cs.OptionSingle("connect"); ok && strings.EqualFold(v, "direct") {
		t := true
		args.Direct = &t
	}
	if b, ok, err := boolOpt(cs, "loadbalanced"); err != nil {
		return err
	} else if ok {
		args.LoadBalanced = &b
	}

	if v, ok := cs.OptionSingle("compressors"); ok && v != "" {
		args.Compressors = strings.Split(v, ",")
	}
	if n, ok, err := intOpt(cs, "zlibcompressionlevel"); err != nil {
		return err
	} else if ok {
		args.ZlibLevel = &n
	} else {
		for _, c := range args.Compressors {
			if c == "zlib" {
				z := DefaultZlibLevel
				args.ZlibLevel = &z
			}
		}
	}

	if d, ok, err := durationMSOpt(cs, "connecttimeoutms"); err != nil {
		return err
	} else if ok {
		args.ConnectTimeout = &d
	}
	hbKey := "heartbeatfrequencyms"
	if _, ok := cs.OptionSingle(hbKey); !ok {
		hbKey = "heartbeatintervalms"
	}
	if d, ok, err := durationMSOpt(cs, hbKey); err != nil {
		return err
	} else if ok {
		args.HeartbeatInterval = &d
	}
	if d, ok, err := durationMSOpt(cs, "localthresholdms"); err != nil {
		return err
	} else if ok {
		args.LocalThreshold = &d
	}
	if d, ok, err := durationMSOpt(cs, "serverselectiontimeoutms"); err != nil {
		return err
	} else if ok {
		args.ServerSelectionTimeout = &d
	}
	if d, ok, err := durationMSOpt(cs, "sockettimeoutms"); err != nil {
		return err
	} else if ok {
		args.SocketTimeout = &d
	}
	if d, ok, err := durationMSOpt(cs, "maxidletimems"); err != nil {
		return err
	} else if ok {
		args.MaxConnIdleTime = &d
	}
	if d, ok, err := durationMSOpt(cs, "waitqueuetimeoutms"); err != nil {
		return err
	} else if ok {
		args.WaitQueueTimeout = &d
	}

	if u, ok, err := uintOpt(cs, "maxpoolsize"); err != nil {
		return err
	} else if ok {
		args.MaxPoolSize = &u
	}
	if u, ok, err := uintOpt(cs, "minpoolsize"); err != nil {
		return err
	} else if ok {
		args.MinPoolSize = &u
	}
	if u, ok, err := uintOpt(cs, "maxconnecting"); err != nil {
		return err
	} else if ok {
		args.MaxConnecting = &u
	}

	if b, ok, err := boolOpt(cs, "retryreads"); err != nil {
		return err
	} else if ok {
		args.RetryReads = &b
	}
	if b, ok, err := boolOpt(cs, "retrywrites"); err != nil {
		return err
	} else if ok {
		args.RetryWrites = &b
	}
	if b, ok, err := boolOpt(cs, "tlsdisableocspendpointcheck"); err != nil {
		return err
	} else if ok {
		args.DisableOCSPEndpointCheck = &b
	}

	if n, ok, err := intOpt(cs, "srvmaxhosts"); err != nil {
		return err
	} else if ok {
		args.SRVMaxHosts = &n
	}
	if v, ok := cs.OptionSingle("srvservicename"); ok {
		args.SRVServiceName = &v
	}

	if err := applyReadPreference(cs, args); err != nil {
		return err
	}
	if v, ok := cs.OptionSingle("readconcernlevel"); ok {
		args.ReadConcern = readconcern.New(readconcern.Level(v))
	}
	if err := applyWriteConcern(cs, args); err != nil {
		return err
	}
	if err := applyTLS(cs, args); err != nil {
		return err
	}

	return nil
}

func applyReadPreference(cs *connstring.ConnString, args *ClientOptions) error {
	modeStr, hasMode := cs.OptionSingle("readpreference")
	_, hasStaleness := cs.OptionSingle("maxstaleness")
	_, hasTags := cs.OptionSingle("readpreferencetags")
	if !hasMode && !hasStaleness && !hasTags {
		return nil
	}

	var mode readpref.Mode
	switch strings.ToLower(modeStr) {
	case "", "primary":
		mode = readpref.PrimaryMode
	case "primarypreferred":
		mode = readpref.PrimaryPreferredMode
	case "secondary":
		mode = readpref.SecondaryMode
	case "secondarypreferred":
		mode = readpref.SecondaryPreferredMode
	case "nearest":
		mode = readpref.NearestMode
	default:
		return fmt.Errorf("unknown read preference %v", modeStr)
	}

	if mode == readpref.PrimaryMode && (hasStaleness || hasTags) {
		return fmt.Errorf("can not specify tags, max staleness, or hedge with mode primary")
	}

	var opts []readpref.Option
	if hasTags {
		for _, ts := range strings.Split(cs.Options["readpreferencetags"][0], ",") {
			kv := strings.SplitN(ts, ":", 2)
			if len(kv) == 2 {
				opts = append(opts, readpref.WithTags(readpref.Tag{Name: kv[0], Value: kv[1]}))
			}
		}
	}
	if hasStaleness {
		secStr, _ := cs.OptionSingle("maxstaleness")
		secs, err := strconv.Atoi(secStr)
		if err != nil {
			return fmt.Errorf("invalid maxStaleness: %w", err)
		}
		opts = append(opts, readpref.WithMaxStaleness(time.Duration(secs)*time.Second))
	}

	rp, err := readpref.New(mode, opts...)
	if err != nil {
		return err
	}
	args.ReadPreference = rp
	return nil
}

func applyWriteConcern(cs *connstring.ConnString, args *ClientOptions) error {
	var opts []writeconcern.Option
	set := false
	if v, ok := cs.OptionSingle("w"); ok {
		set = true
		if n, err := strconv.Atoi(v); err == nil {
			opts = append(opts, writeconcern.W(n))
		} else {
			opts = append(opts, writeconcern.WTagSet(v))
		}
	}
	if b, ok, err := boolOpt(cs, "journal"); err != nil {
		return err
	} else if ok {
		set = true
		opts = append(opts, writeconcern.J(b))
	}
	if d, ok, err := durationMSOpt(cs, "wtimeoutms"); err != nil {
		return err
	} else if ok {
		set = true
		opts = append(opts, writeconcern.WTimeout(d))
	}
	if set {
		args.WriteConcern = writeconcern.New(opts...)
	}
	return nil
}

func applyTLS(cs *connstring.ConnString, args *ClientOptions) error {
	tlsOn, _, err := boolOpt(cs, "tls")
	if err != nil {
		return err
	}
	sslOn, _, err := boolOpt(cs, "ssl")
	if err != nil {
		return err
	}
	if !tlsOn && !sslOn {
		return nil
	}

	cfg := &tls.Config{}
	if b, ok, err := boolOpt(cs, "tlsinsecure"); err != nil {
		return err
	} else if ok && b {
		cfg.InsecureSkipVerify = true
	}
	if b, ok, err := boolOpt(cs, "tlsallowinvalidcertificates"); err != nil {
		return err
	} else if ok && b {
		cfg.InsecureSkipVerify = true
	}

	if path, ok := cs.OptionSingle("tlscafile"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return fmt.Errorf("the specified CA file does not contain any valid certificates")
		}
		cfg.RootCAs = pool
	}

	certPath, hasCert := cs.OptionSingle("tlscertificatekeyfile")
	if !hasCert {
		certPath, hasCert = cs.OptionSingle("sslclientcertificatekeyfile")
	}
	if hasCert {
		cert, err := loadKeyPair(certPath)
		if err != nil {
			return err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	args.TLSConfig = cfg
	return nil
}

// loadKeyPair reads a combined certificate+private key PEM file, the format tlsCertificateKeyFile
// accepts, and builds a tls.Certificate from its first CERTIFICATE and PRIVATE KEY blocks.
func loadKeyPair(path string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}

	var certPEM, keyPEM []byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch {
		case strings.Contains(block.Type, "CERTIFICATE"):
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case strings.Contains(block.Type, "PRIVATE KEY"):
			if keyPEM == nil {
				keyPEM = pem.EncodeToMemory(block)
			}
		}
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return tls.Certificate{}, fmt.Errorf("%s does not contain both a certificate and a private key", path)
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func boolOpt(cs *connstring.ConnString, key string) (bool, bool, error) {
	v, ok := cs.OptionSingle(key)
	if !ok {
		return false, false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false, fmt.Errorf("invalid boolean value for %s: %w", key, err)
	}
	return b, true, nil
}

func intOpt(cs *connstring.ConnString, key string) (int, bool, error) {
	v, ok := cs.OptionSingle(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("invalid integer value for %s: %w", key, err)
	}
	return n, true, nil
}

func uintOpt(cs *connstring.ConnString, key string) (uint64, bool, error) {
	v, ok := cs.OptionSingle(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid integer value for %s: %w", key, err)
	}
	return n, true, nil
}

func durationMSOpt(cs *connstring.ConnString, key string) (time.Duration, bool, error) {
	v, ok := cs.OptionSingle(key)
	if !ok {
		return 0, false, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("invalid integer value for %s: %w", key, err)
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

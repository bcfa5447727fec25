package logger

// Component is a system component that can be logged against, each independently leveled.
type Component int

const (
	// ComponentAll is a special component that refers to all components.
	ComponentAll Component = iota

	// ComponentCommand is the component for command monitor logs.
	ComponentCommand

	// ComponentTopology is the component for topology logs.
	ComponentTopology

	// ComponentServerSelection is the component for server selection logs.
	ComponentServerSelection

	// ComponentConnection is the component for connection services logs.
	ComponentConnection
)

type envVarComponent string

const (
	componentEnvVarAll             envVarComponent = "MONGODB_LOG_ALL"
	componentEnvVarCommand         envVarComponent = "MONGODB_LOG_COMMAND"
	componentEnvVarTopology        envVarComponent = "MONGODB_LOG_TOPOLOGY"
	componentEnvVarServerSelection envVarComponent = "MONGODB_LOG_SERVER_SELECTION"
	componentEnvVarConnection      envVarComponent = "MONGODB_LOG_CONNECTION"
)

// allComponentEnvVars is every per-component environment variable, excluding the "all" override.
var allComponentEnvVars = []envVarComponent{
	componentEnvVarCommand,
	componentEnvVarTopology,
	componentEnvVarServerSelection,
	componentEnvVarConnection,
}

func (e envVarComponent) component() Component {
	switch e {
	case componentEnvVarCommand:
		return ComponentCommand
	case componentEnvVarTopology:
		return ComponentTopology
	case componentEnvVarServerSelection:
		return ComponentServerSelection
	case componentEnvVarConnection:
		return ComponentConnection
	default:
		return ComponentAll
	}
}

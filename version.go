package vsm

// Version information for the controller.
const (
	// Version is the current controller version.
	Version = "0.1.0"

	// ProtocolVersion is the tool-server wire protocol revision the
	// controller speaks.
	ProtocolVersion = "2024-11-05"
)

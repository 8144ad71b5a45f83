package api

// Container labels. The first two are owned by the engine and can never be
// overridden by callers; the rest attribute a container to its lab and node.
const (
	LabelManaged  = "neon.managed"
	LabelType     = "neon.type"
	LabelLabID    = "neon.lab_id"
	LabelNodeID   = "neon.node_id"
	LabelNodeName = "neon.node_name"

	TypeNetworkDevice = "network-device"
)

// SystemLabels returns a fresh copy of the labels every managed container carries.
func SystemLabels() map[string]string {
	return map[string]string{
		LabelManaged: "true",
		LabelType:    TypeNetworkDevice,
	}
}

package packet_cache

// Extra is a label/value annotation attached to an entry for diagnostics.
type Extra struct {
	Label string `json:"label" yaml:"label"`
	Value string `json:"value" yaml:"value"`
}

type entry struct {
	Identity

	packet   []byte // owned copy, len(packet) >= dnsutils.HeaderSize
	added    int64  // unix seconds
	validity int64  // unix seconds, time to die
	extras   []Extra
}

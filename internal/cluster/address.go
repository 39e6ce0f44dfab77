package cluster

import "strings"

// Addr is the canonical identity of a peer: the stable string
// "name@adapter" described in spec §3. adapter is either a concrete
// adapter id ("<server>-<node>.<adapter>") or a replica-group name
// ("<name>Group"). Equality is plain string equality; Addr values are
// never parsed except to split the two halves for logging.
type Addr string

// Split returns the name and adapter halves of a. If a has no "@", adapter
// is empty and name is the whole string.
func (a Addr) Split() (name, adapter string) {
	s := string(a)
	i := strings.LastIndexByte(s, '@')
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// IsGroup reports whether a names a replica group rather than a concrete
// adapter (the "<name>Group" convention of spec §3).
func (a Addr) IsGroup() bool {
	_, adapter := a.Split()
	return strings.HasSuffix(adapter, "Group")
}

func (a Addr) String() string { return string(a) }

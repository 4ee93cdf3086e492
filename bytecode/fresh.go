package bytecode

import "fmt"

// Generates fresh label names for the code builder and the disassembler.
// Streams of names are kept per prefix, so asking for a fresh "loop" label
// does not change the next "L" label.
type NameFresh struct {
	prefixes map[string]int
}

func NewNameFresh() NameFresh {
	return NameFresh{map[string]int{}}
}

// Return the next fresh name with the given prefix.
func (f *NameFresh) NextPrefix(prefix string) string {
	if f.prefixes == nil {
		f.prefixes = map[string]int{}
	}
	ind := f.prefixes[prefix]
	f.prefixes[prefix] = ind + 1
	return fmt.Sprintf("%s%d", prefix, ind)
}

// Package clipboard copies transcripts to the system clipboard.
package clipboard

import cb "github.com/atotto/clipboard"

// Unsupported reports whether no clipboard utility was found (xclip,
// xsel or wl-copy on Linux).
func Unsupported() bool { return cb.Unsupported }

func Copy(text string) error {
	return cb.WriteAll(text)
}

func Read() (string, error) {
	return cb.ReadAll()
}

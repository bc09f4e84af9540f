//go:build !unix

package lockfile

import "os"

// Non-unix platforms fall back to no-op advisory locking; the O_EXCL lock
// records still provide mutual exclusion for ordinary acquisition.
func flockExclusiveBlocking(f *os.File) error { return nil }

func flockUnlock(f *os.File) error { return nil }

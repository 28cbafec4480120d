package espdisk

import (
	"github.com/reductos/espdisk/backend"
	"github.com/reductos/espdisk/filesystem/fat"
	"github.com/reductos/espdisk/layout"
	"github.com/reductos/espdisk/manifest"
	"github.com/reductos/espdisk/partition/gpt"
	"github.com/reductos/espdisk/tree"
	"github.com/reductos/espdisk/verify"
)

// Errors returned by Build and Verify, for use with errors.Is. Each is the
// sentinel of the package that detects the condition.
var (
	ErrInvalidManifest  = manifest.ErrInvalidManifest
	ErrPathConflict     = tree.ErrPathConflict
	ErrNameCollision    = fat.ErrNameCollision
	ErrSizeOverflow     = layout.ErrSizeOverflow
	ErrLayoutOverflow   = gpt.ErrLayoutOverflow
	ErrClusterExhausted = fat.ErrClusterExhausted
	ErrWriteFailure     = backend.ErrWriteFailure
	ErrInvalidChecksum  = gpt.ErrInvalidChecksum
	ErrMismatch         = verify.ErrMismatch
)

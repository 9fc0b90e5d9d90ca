package fat

import (
	"github.com/hashicorp/go-multierror"
)

// appendErr accumulates err onto errs, which may be nil, using
// go-multierror so callers that need to keep going after a partial
// failure (BackupFAT) can report every failure instead of
// just the first.
func appendErr(errs error, err error) error {
	if err == nil {
		return errs
	}
	return multierror.Append(errs, err)
}

package mqtt

import (
	"strings"

	"github.com/juju/errors"
)

func defaultInt(main, def int) int {
	if main == 0 {
		return def
	}
	return main
}

// foldErrors joins non-nil errors into one, nil when there are none.
func foldErrors(errs []error) error {
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	if len(ss) == 0 {
		return nil
	}
	return errors.New(strings.Join(ss, "; "))
}

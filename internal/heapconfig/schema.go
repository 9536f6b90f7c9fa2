package heapconfig

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/mizuvm/heapcore/internal/errors"
)

// CompiledSchemaConstraint is the range of on-disk config schema versions
// this build of the heap understands. Bump the upper bound whenever a new
// tunable is added that an older config file cannot express correctly.
const CompiledSchemaConstraint = ">= 1.0.0, < 2.0.0"

// CheckSchemaVersion rejects a config whose declared schema-version falls
// outside CompiledSchemaConstraint, so a stale config file can never
// silently leave a newer option at its zero value.
func CheckSchemaVersion(declared string) error {
	v, err := semver.NewVersion(declared)
	if err != nil {
		return errors.InvalidConfig("schema-version", fmt.Sprintf("not a valid semver: %v", err))
	}

	c, err := semver.NewConstraint(CompiledSchemaConstraint)
	if err != nil {
		// Programmer error: the constraint above is a literal we control.
		panic(fmt.Sprintf("heapconfig: invalid compiled constraint: %v", err))
	}

	if !c.Check(v) {
		return errors.InvalidConfig("schema-version",
			fmt.Sprintf("%s does not satisfy %s", declared, CompiledSchemaConstraint))
	}

	return nil
}

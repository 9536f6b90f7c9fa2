package allocator

// SpaceType tags every pool and every allocation with the category used for
// policy decisions and mem-stats accounting (spec.md §3 "Space type").
type SpaceType int

const (
	SpaceObject SpaceType = iota
	SpaceNonMovableObject
	SpaceHumongousObject
	SpaceInternal
	SpaceCompiler
)

func (s SpaceType) String() string {
	switch s {
	case SpaceObject:
		return "object"
	case SpaceNonMovableObject:
		return "non-movable-object"
	case SpaceHumongousObject:
		return "humongous-object"
	case SpaceInternal:
		return "internal"
	case SpaceCompiler:
		return "compiler"
	default:
		return "unknown"
	}
}

const spaceTypeCount = int(SpaceCompiler) + 1

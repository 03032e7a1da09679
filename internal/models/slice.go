package models

// Slice identifies a single 2D image inside a slice stack on disk.
type Slice struct {
	// Filename is the original filename of the slice.
	Filename string

	// Index is the position of this slice in the sequence, extracted
	// from the numeric part of the filename.
	Index int

	// Position is the physical position of the slice along the stack
	// axis, when known.
	Position float64
}

// Series describes a loaded slice stack: where it came from and the
// physical geometry it was assigned.
type Series struct {
	// Dir is the directory the slices were loaded from.
	Dir string

	// Slices lists the stack members in anatomical order.
	Slices []Slice

	// Spacing is the physical voxel spacing per coordinate axis (x, y, z).
	Spacing []float64
}

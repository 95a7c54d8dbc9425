package arbor

import "errors"

// These errors can be returned when formatting or opening a filesystem.
var (
	// ErrFilesystemOpen is returned when Open or Format is called against
	// an FS handle that is already mounted.
	ErrFilesystemOpen = errors.New("arbor: filesystem already open")

	// ErrInvalidSuperblock is returned when the superblock's magic or
	// checksum does not validate.
	ErrInvalidSuperblock = errors.New("arbor: invalid superblock")

	// ErrVersionMismatch is returned when the on-disk superblock was
	// written by an incompatible version.
	ErrVersionMismatch = errors.New("arbor: version mismatch")

	// ErrUnsupportedFeature is returned when the superblock's features
	// bitmap names a feature this build does not implement (spec.md §7's
	// unsupported_feature, aborts mount).
	ErrUnsupportedFeature = errors.New("arbor: unsupported feature")

	// ErrNoDevices is returned when Format or Open is called with no
	// backing devices.
	ErrNoDevices = errors.New("arbor: no devices given")
)

// These errors occur during normal transaction operation.
var (
	// ErrEmergencyReadOnly is returned by every mutating call once the
	// filesystem has flipped to emergency read-only state after a fatal
	// error (spec.md §7's "subsequent commits return emergency_readonly
	// immediately").
	ErrEmergencyReadOnly = errors.New("arbor: filesystem is in emergency read-only mode")

	// ErrUnknownBtree is returned when a caller names a btree_id this
	// filesystem did not format.
	ErrUnknownBtree = errors.New("arbor: unknown btree")

	// ErrNotFound is the normal not-found signal (spec.md §7's enoent),
	// propagated without logging.
	ErrNotFound = errors.New("arbor: not found")

	// ErrExists is the normal already-exists signal (spec.md §7's
	// eexist), propagated without logging.
	ErrExists = errors.New("arbor: already exists")

	// ErrKeyTypeMismatch is returned when a caller's expected key type
	// does not match the type tag found at a position (spec.md §7's
	// bkey_type_mismatch).
	ErrKeyTypeMismatch = errors.New("arbor: key type mismatch")
)

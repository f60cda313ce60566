package bitfield

// PageFlags represents the flags for a memory page.
// Fields are packed into a 32-bit word using bitfield tags.
type PageFlags struct {
	// Allocated indicates if the page is currently allocated
	Allocated bool `bitfield:",1"`

	// KernelPage indicates if this is a kernel page (not available for user allocation)
	KernelPage bool `bitfield:",1"`

	// Reserved bits for future use (30 bits)
	Reserved uint32 `bitfield:",30"`
}

var pageFlagsConfig = &Config{NumBits: 32, TypeName: "PageFlags"}

// PackPageFlags packs a PageFlags value into its 32-bit wire form, for
// storage in a pageDescriptor's flags word (kernel/page.go).
func PackPageFlags(flags PageFlags) (uint32, error) {
	packed, err := Pack(flags, pageFlagsConfig)
	if err != nil {
		return 0, err
	}
	return uint32(packed), nil
}

// UnpackPageFlags is the inverse of PackPageFlags.
func UnpackPageFlags(packed uint32) PageFlags {
	var flags PageFlags
	// Unpack only fails on malformed tags or unsupported field kinds, both
	// of which are build-time invariants of the PageFlags struct itself,
	// never a function of the packed value, so a failure here means the
	// struct definition and this function have drifted apart.
	if err := Unpack(uint64(packed), &flags, pageFlagsConfig); err != nil {
		panic("bitfield: UnpackPageFlags: " + err.Error())
	}
	return flags
}


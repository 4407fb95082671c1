//go:build 386

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)) for this
	// architecture; word size is (1 << PointerShift) bytes.
	PointerShift = 2

	// PageShift is equal to log2(PageSize). Used to convert a physical
	// or virtual address to a frame/page number and vice versa.
	PageShift = 12

	// PageSize is the system's page size in bytes (also FRAME_SIZE in
	// spec terms: one frame == one page == 4096 bytes).
	PageSize = Size(1 << PageShift)

	// FrameSize is an alias for PageSize used by the physical frame
	// allocator, where thinking in "frames" rather than "pages" reads
	// more naturally.
	FrameSize = PageSize
)

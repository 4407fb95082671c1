package fs

import "kernel386/kernel"

// FileSystem mounts a single BlockDevice and tracks, via an in-memory
// lookup table sized to the device's block count, which file ids have
// been created.
type FileSystem struct {
	disk  BlockDevice
	files []*File
}

// NewFileSystem returns an unmounted file system.
func NewFileSystem() *FileSystem {
	return &FileSystem{}
}

// Mount binds d as the file system's backing device and allocates a
// lookup table sized to exactly one slot per block the device holds.
func (fsys *FileSystem) Mount(d BlockDevice) {
	fsys.disk = d
	fsys.files = make([]*File, d.Size()/BlockSize)
}

// Format zeroes every block of d. It does not require d to already be
// mounted.
func (fsys *FileSystem) Format(d BlockDevice) {
	block := make([]byte, BlockSize)
	blocks := d.Size() / BlockSize
	for i := uint32(0); i < blocks; i++ {
		d.Write(i, block)
	}
}

// LookupFile returns the handle for file id, or an error if the file
// system isn't mounted, id is out of range, or no file exists with that
// id.
func (fsys *FileSystem) LookupFile(id uint32) (*File, *kernel.Error) {
	if err := fsys.checkRange(id); err != nil {
		return nil, err
	}
	f := fsys.files[id]
	if f == nil {
		return nil, errFileNotFound
	}
	return f, nil
}

// CreateFile creates an empty file with the given id, if the id is in
// range and no file already occupies that slot.
func (fsys *FileSystem) CreateFile(id uint32) *kernel.Error {
	if err := fsys.checkRange(id); err != nil {
		return err
	}
	if fsys.files[id] != nil {
		return errFileExists
	}
	fsys.files[id] = newFile(id, 0, fsys.disk)
	return nil
}

// DeleteFile zeroes and releases the slot for file id. Deleting an id that
// has no file is not an error.
func (fsys *FileSystem) DeleteFile(id uint32) *kernel.Error {
	if err := fsys.checkRange(id); err != nil {
		return err
	}
	f := fsys.files[id]
	if f == nil {
		return nil
	}
	f.Rewrite()
	fsys.files[id] = nil
	return nil
}

func (fsys *FileSystem) checkRange(id uint32) *kernel.Error {
	if fsys.disk == nil {
		return errNotMounted
	}
	if id >= uint32(len(fsys.files)) {
		return errFileIDOutOfRange
	}
	return nil
}

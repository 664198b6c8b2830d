package boot

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/krata-zone/kratad/internal/krataerr"
)

// Xen ELF note names the loader looks for inside the PT_NOTE segment.
const (
	noteNamespace     = "Xen"
	noteVirtBase      = 3  // XEN_ELFNOTE_VIRT_BASE
	notePaddrOffset   = 10 // XEN_ELFNOTE_PADDR_OFFSET
	noteEntry         = 5  // XEN_ELFNOTE_ENTRY
	noteHypercallPage = 6  // XEN_ELFNOTE_HYPERCALL_PAGE
	noteInitP2M       = 12 // XEN_ELFNOTE_INIT_P2M
	noteModStartPfn   = 17 // XEN_ELFNOTE_MOD_START_PFN
	notePhys32Entry   = 18 // XEN_ELFNOTE_PHYS32_ENTRY
	noteUnmappedInitrd = 21 // XEN_ELFNOTE_UNMAPPED_INITRD (boolean presence flag)
)

// ElfImageLoader is the x86 PV ImageLoader: it requires Xen ELF notes in
// the kernel's PT_NOTE segment and fails with ElfXenSupportMissing if none
// are present.
type ElfImageLoader struct {
	raw []byte
	f   *elf.File
}

// NewElfImageLoader parses the ELF headers of a kernel blob. The Xen
// notes themselves are read lazily by Parse.
func NewElfImageLoader(raw []byte) (*ElfImageLoader, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, krataerr.Wrap(krataerr.InvalidInput, "parse kernel elf", err)
	}
	return &ElfImageLoader{raw: raw, f: f}, nil
}

// Parse extracts the Xen ELF notes ENTRY, VIRT_BASE, HYPERCALL_PAGE and
// INIT_P2M plus the UNMAPPED_INITRD flag, and derives the kernel's
// virtual extent from its PT_LOAD headers. PADDR_OFFSET, MOD_START_PFN
// and PHYS32_ENTRY are not read.
func (l *ElfImageLoader) Parse(hvm bool) (ImageInfo, error) {
	notes, err := l.xenNotes()
	if err != nil {
		return ImageInfo{}, err
	}
	if len(notes) == 0 {
		return ImageInfo{}, krataerr.New(krataerr.InvalidInput, "ElfXenSupportMissing")
	}

	info := ImageInfo{
		Start:       l.f.Entry,
		VirtEntry:   notes[noteEntry],
		VirtBase:    notes[noteVirtBase],
		VirtHypercall: notes[noteHypercallPage],
		VirtP2MBase: notes[noteInitP2M],
	}
	_, unmapped := notes[noteUnmappedInitrd]
	info.UnmappedInitrd = unmapped

	for _, prog := range l.f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		start := info.VirtBase + (prog.Vaddr - info.VirtBase)
		end := start + prog.Memsz
		if info.VirtKStart == 0 || start < info.VirtKStart {
			info.VirtKStart = start
		}
		if end > info.VirtKEnd {
			info.VirtKEnd = end
		}
	}
	return info, nil
}

// Load copies every PT_LOAD segment's file-backed bytes into dst at the
// offset implied by the segment's virtual address, zero-filling the
// memsz-filesz tail (BSS).
func (l *ElfImageLoader) Load(info ImageInfo, dst []byte) error {
	for _, prog := range l.f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		off := prog.Vaddr - info.VirtKStart
		if off+prog.Filesz > uint64(len(dst)) {
			return krataerr.New(krataerr.InvalidInput, "kernel segment too small for PT_LOAD")
		}
		r := prog.Open()
		if _, err := r.Read(dst[off : off+prog.Filesz]); err != nil {
			return krataerr.Wrap(krataerr.InvalidInput, "read PT_LOAD segment", err)
		}
		for i := prog.Filesz; i < prog.Memsz; i++ {
			dst[off+i] = 0
		}
	}
	return nil
}

// xenNotes scans every PT_NOTE segment for entries in the "Xen"
// namespace, returning a map of note type -> its value interpreted as a
// little-endian uint64 (the representation Xen uses for numeric notes).
func (l *ElfImageLoader) xenNotes() (map[uint32]uint64, error) {
	notes := make(map[uint32]uint64)
	for _, prog := range l.f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.Open().Read(data); err != nil {
			continue
		}
		for len(data) >= 12 {
			nameLen := binary.LittleEndian.Uint32(data[0:4])
			descLen := binary.LittleEndian.Uint32(data[4:8])
			typ := binary.LittleEndian.Uint32(data[8:12])
			off := 12
			nameEnd := off + alignUp4(int(nameLen))
			if nameEnd > len(data) {
				break
			}
			name := string(bytes.TrimRight(data[off:off+int(nameLen)], "\x00"))
			descStart := nameEnd
			descEnd := descStart + alignUp4(int(descLen))
			if descEnd > len(data) {
				break
			}
			desc := data[descStart : descStart+int(descLen)]
			if name == noteNamespace {
				var v uint64
				switch len(desc) {
				case 4:
					v = uint64(binary.LittleEndian.Uint32(desc))
				case 8:
					v = binary.LittleEndian.Uint64(desc)
				}
				notes[typ] = v
			}
			data = data[descEnd:]
		}
	}
	return notes, nil
}

func alignUp4(n int) int { return (n + 3) &^ 3 }

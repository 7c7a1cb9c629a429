// Package sinfo implements the static registry (spec.md §4.1): interned
// images and static instructions, assigned stable 32-bit ids that persist
// across database reopens. The locking discipline — a single mutex guarding
// two maps and a monotonic id counter — follows the shape of
// eventloop/registry.go's promise registry, simplified because static
// instructions, unlike promises, are never garbage collected: they live for
// the process lifetime and are persisted verbatim.
package sinfo

import (
	"sync"

	"github.com/joeycumines/go-idiomscan/internal/errs"
)

// ImageID and InstID are the stable 32-bit ids spec.md requires for the
// persisted DB.
type ImageID uint32
type InstID uint32

// pseudoImageName is the owning image used for instrumentation callbacks
// that arrive with an unknown or null image (spec.md §7, Instrumentation
// error recovery).
const pseudoImageName = "<pseudo>"

// Image is an interned executable image.
type Image struct {
	ID   ImageID
	Name string
}

// Inst is an interned static instruction: immutable after creation,
// globally unique id.
type Inst struct {
	ID        InstID
	Image     ImageID
	Offset    uint64
	Opcode    string
	DebugInfo string
}

// Registry interns images and instructions, and is safe for concurrent use
// by multiple instrumentation callback threads under a single mutex
// (spec.md §4.1: "Thread-safe under a single mutex").
type Registry struct {
	mu sync.Mutex

	imagesByName map[string]ImageID
	images       map[ImageID]*Image
	nextImageID  ImageID

	instsByKey map[instKey]InstID
	insts      map[InstID]*Inst
	nextInstID InstID

	pseudoImage ImageID
}

type instKey struct {
	image  ImageID
	offset uint64
}

// New creates an empty registry, seeded with the pseudo-image that absorbs
// accesses whose owning image the instrumentation driver could not resolve.
func New() *Registry {
	r := &Registry{
		imagesByName: make(map[string]ImageID),
		images:       make(map[ImageID]*Image),
		instsByKey:   make(map[instKey]InstID),
		insts:        make(map[InstID]*Inst),
		nextImageID:  1,
		nextInstID:   1,
	}
	r.pseudoImage = r.internImageLocked(pseudoImageName)
	return r
}

// InternImage resolves name to an Image, creating one if this is the first
// time name has been seen. Two images with the same name always resolve to
// the same record.
func (r *Registry) InternImage(name string) *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.internImageLocked(name)
	return r.images[id]
}

func (r *Registry) internImageLocked(name string) ImageID {
	if id, ok := r.imagesByName[name]; ok {
		return id
	}
	id := r.nextImageID
	r.nextImageID++
	r.imagesByName[name] = id
	r.images[id] = &Image{ID: id, Name: name}
	return id
}

// PseudoImage returns the image record used for instructions whose owning
// image could not be determined by the instrumentation driver.
func (r *Registry) PseudoImage() *Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[r.pseudoImage]
}

// InternInst resolves (image, offset) to an Inst, creating one on first
// sight. opcode and debugInfo are optional enrichments attached only at
// creation time — Inst is immutable thereafter.
func (r *Registry) InternInst(image *Image, offset uint64, opcode, debugInfo string) *Inst {
	r.mu.Lock()
	defer r.mu.Unlock()

	imgID := r.pseudoImage
	if image != nil {
		imgID = image.ID
	}
	key := instKey{image: imgID, offset: offset}
	if id, ok := r.instsByKey[key]; ok {
		return r.insts[id]
	}
	id := r.nextInstID
	r.nextInstID++
	inst := &Inst{ID: id, Image: imgID, Offset: offset, Opcode: opcode, DebugInfo: debugInfo}
	r.instsByKey[key] = id
	r.insts[id] = inst
	return inst
}

// SynthesizeInst creates a fresh, unique instruction under the pseudo-image
// for instrumentation events that arrived with no inst at all (spec.md §7:
// "recover by associating the access with the pseudo-image and a
// synthesized inst id").
func (r *Registry) SynthesizeInst() *Inst {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextInstID
	r.nextInstID++
	inst := &Inst{ID: id, Image: r.pseudoImage}
	// Keyed under a synthetic, never-reused offset so a second synthesized
	// inst never collides with this one in instsByKey.
	r.instsByKey[instKey{image: r.pseudoImage, offset: uint64(id) | 1<<63}] = id
	r.insts[id] = inst
	return inst
}

// FindInst looks up a previously interned instruction by id.
func (r *Registry) FindInst(id InstID) (*Inst, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.insts[id]
	return inst, ok
}

// FindImage looks up a previously interned image by id.
func (r *Registry) FindImage(id ImageID) (*Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	return img, ok
}

// Snapshot returns every image and instruction currently interned, in id
// order, for persistence by the sinfo codec.
func (r *Registry) Snapshot() (images []*Image, insts []*Inst) {
	r.mu.Lock()
	defer r.mu.Unlock()
	images = make([]*Image, 0, len(r.images))
	for _, img := range r.images {
		images = append(images, img)
	}
	insts = make([]*Inst, 0, len(r.insts))
	for _, inst := range r.insts {
		insts = append(insts, inst)
	}
	sortImages(images)
	sortInsts(insts)
	return images, insts
}

func sortImages(s []*Image) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].ID > s[j].ID; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func sortInsts(s []*Inst) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].ID > s[j].ID; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Restore repopulates the registry from a previously persisted snapshot,
// advancing the internal id counters past the max id seen so that a
// reopened database preserves id assignment (spec.md §4.1 contract).
func (r *Registry) Restore(images []*Image, insts []*Inst) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[ImageID]bool, len(images))
	for _, img := range images {
		if seen[img.ID] {
			return &errs.DBError{Path: "sinfo.db", Kind: errs.ErrIDCollision}
		}
		seen[img.ID] = true
		r.images[img.ID] = img
		r.imagesByName[img.Name] = img.ID
		if img.ID >= r.nextImageID {
			r.nextImageID = img.ID + 1
		}
		if img.Name == pseudoImageName {
			r.pseudoImage = img.ID
		}
	}
	seenInst := make(map[InstID]bool, len(insts))
	for _, inst := range insts {
		if seenInst[inst.ID] {
			return &errs.DBError{Path: "sinfo.db", Kind: errs.ErrIDCollision}
		}
		seenInst[inst.ID] = true
		r.insts[inst.ID] = inst
		r.instsByKey[instKey{image: inst.Image, offset: inst.Offset}] = inst.ID
		if inst.ID >= r.nextInstID {
			r.nextInstID = inst.ID + 1
		}
	}
	return nil
}

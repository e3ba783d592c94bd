package scene

// DefaultStabilityThreshold is the number of consecutive identical texture
// memory samples required before textures count as stable.
const DefaultStabilityThreshold = 30

// TextureMemory is the renderer's GPU texture accounting.
type TextureMemory interface {
	TextureResourceGPUMemSize() uint64
	TextureResourcePopulatedGPUMemSize() uint64
	TexturePendingTransfers() uint64
}

// TextureStability detects when GPU texture memory has stopped changing.
// It is sampled from the game loop only.
type TextureStability struct {
	source    TextureMemory
	threshold int

	lastSize    uint64
	hasSample   bool
	stableCount int
}

// NewTextureStability samples source. A non-positive threshold uses
// DefaultStabilityThreshold.
func NewTextureStability(source TextureMemory, threshold int) *TextureStability {
	if threshold <= 0 {
		threshold = DefaultStabilityThreshold
	}
	return &TextureStability{source: source, threshold: threshold}
}

// GPUTextureMemSizeStable takes one sample. The count of identical repeats
// restarts at zero on the first sample and on every size change, so the
// earliest true is the sample after threshold unchanged repeats. It also
// requires all texture memory to be populated with no transfer pending.
func (s *TextureStability) GPUTextureMemSizeStable() bool {
	size := s.source.TextureResourceGPUMemSize()
	if s.hasSample && size == s.lastSize {
		s.stableCount++
	} else {
		s.lastSize = size
		s.hasSample = true
		s.stableCount = 0
	}

	return s.stableCount > 0 && s.stableCount >= s.threshold &&
		s.source.TextureResourcePopulatedGPUMemSize() == size &&
		s.source.TexturePendingTransfers() == 0
}

// StableCount is the number of samples in a row that repeated the previous size.
func (s *TextureStability) StableCount() int {
	return s.stableCount
}

// Reset discards the sample history.
func (s *TextureStability) Reset() {
	s.lastSize = 0
	s.hasSample = false
	s.stableCount = 0
}

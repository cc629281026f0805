package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/MarcoPoloResearchLab/bavard/internal/apperrors"
)

// MemoryGateway keeps uploads in process. It backs local runs without a
// configured storage endpoint.
type MemoryGateway struct {
	mu      sync.RWMutex
	objects map[ContentAddress][]byte
	baseURL string
}

func NewMemoryGateway(baseURL string) *MemoryGateway {
	return &MemoryGateway{objects: make(map[ContentAddress][]byte), baseURL: baseURL}
}

func (g *MemoryGateway) Store(_ context.Context, data []byte, _ string) (ContentAddress, error) {
	if len(data) == 0 {
		return "", apperrors.Invalid(opStore, reasonInvalidInput, errEmptyUpload)
	}
	if len(data) > MaxUploadBytes {
		return "", apperrors.Invalid(opStore, reasonInvalidInput, errUploadTooLarge)
	}
	digest := sha256.Sum256(data)
	address := ContentAddress("sha256-" + hex.EncodeToString(digest[:]))
	g.mu.Lock()
	g.objects[address] = append([]byte(nil), data...)
	g.mu.Unlock()
	return address, nil
}

func (g *MemoryGateway) URL(address ContentAddress) string {
	return g.baseURL + "/media/" + string(address)
}

// Fetch returns stored bytes.
func (g *MemoryGateway) Fetch(address ContentAddress) ([]byte, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	data, ok := g.objects[address]
	return data, ok
}

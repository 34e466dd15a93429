package remote

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"
)

const (
	LayerMinSize = 2 * 1024 * 1024  // 2MB minimum before combining
	LayerSoftMax = 10 * 1024 * 1024 // 10MB soft maximum
)

// PrefixInfo records which layer holds the objects of one digest prefix.
type PrefixInfo struct {
	Hash  string `json:"hash"`
	Layer string `json:"layer"`
}

// GroupByPrefix buckets objects by the first two hex characters of their
// digest.
func GroupByPrefix(objects map[digest.Digest][]byte) map[string]map[digest.Digest][]byte {
	result := make(map[string]map[digest.Digest][]byte)
	for d, data := range objects {
		prefix := prefixOf(d)
		if result[prefix] == nil {
			result[prefix] = make(map[digest.Digest][]byte)
		}
		result[prefix][d] = data
	}
	return result
}

func prefixOf(d digest.Digest) string {
	if hex := d.Encoded(); len(hex) >= 2 {
		return hex[:2]
	}
	return "00"
}

// PrefixHash identifies the set of objects in a prefix by digest and size,
// so an unchanged prefix can reuse the layer of a previous revision.
func PrefixHash(objects map[digest.Digest][]byte) string {
	if len(objects) == 0 {
		return ""
	}
	digester := digest.Canonical.Digester()
	h := digester.Hash()
	for _, d := range slices.Sorted(maps.Keys(objects)) {
		h.Write([]byte(d))
		binary.Write(h, binary.BigEndian, int64(len(objects[d])))
	}
	return digester.Digest().String()
}

// PackLayer packs objects as {digestLen:1}{digest}{length:8}{data}...,
// ordered by digest.
func PackLayer(objects map[digest.Digest][]byte) []byte {
	var buf bytes.Buffer
	lenBuf := make([]byte, 8)
	for _, d := range slices.Sorted(maps.Keys(objects)) {
		data := objects[d]
		buf.WriteByte(byte(len(d)))
		buf.WriteString(string(d))
		binary.BigEndian.PutUint64(lenBuf, uint64(len(data)))
		buf.Write(lenBuf)
		buf.Write(data)
	}
	return buf.Bytes()
}

// UnpackLayer reverses PackLayer.
func UnpackLayer(data []byte) (map[digest.Digest][]byte, error) {
	result := make(map[digest.Digest][]byte)
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		n, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("read digest length: %w", err)
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("read digest: %w", err)
		}
		d := digest.Digest(name)
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("read digest: %w", err)
		}

		var length uint64
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("read length: %w", err)
		}
		if length > uint64(r.Len()) {
			return nil, fmt.Errorf("read %s: length %d exceeds layer", d, length)
		}
		blob := make([]byte, length)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		result[d] = blob
	}
	return result, nil
}

// BuildLayerPlan groups prefixes, in order, into layers of roughly
// LayerSoftMax bytes. Small trailing groups are merged up to twice the
// soft maximum.
func BuildLayerPlan(prefixSizes map[string]int64) [][]string {
	var layers [][]string
	var current []string
	var size int64

	for _, prefix := range slices.Sorted(maps.Keys(prefixSizes)) {
		prefixSize := prefixSizes[prefix]

		if len(current) == 0 {
			current = append(current, prefix)
			size = prefixSize
			continue
		}

		newSize := size + prefixSize
		switch {
		case newSize <= LayerSoftMax:
			current = append(current, prefix)
			size = newSize
		case size < LayerMinSize && newSize <= 2*LayerSoftMax:
			current = append(current, prefix)
			size = newSize
		default:
			layers = append(layers, current)
			current = []string{prefix}
			size = prefixSize
		}
	}

	if len(current) > 0 {
		layers = append(layers, current)
	}
	return layers
}

// CollectPrefixObjects merges the objects of the given prefixes.
func CollectPrefixObjects(prefixes []string, byPrefix map[string]map[digest.Digest][]byte) map[digest.Digest][]byte {
	result := make(map[digest.Digest][]byte)
	for _, prefix := range prefixes {
		maps.Copy(result, byPrefix[prefix])
	}
	return result
}

// PrefixSizes returns the byte size of every prefix group.
func PrefixSizes(byPrefix map[string]map[digest.Digest][]byte) map[string]int64 {
	result := make(map[string]int64, len(byPrefix))
	for prefix, objects := range byPrefix {
		var total int64
		for _, data := range objects {
			total += int64(len(data))
		}
		result[prefix] = total
	}
	return result
}

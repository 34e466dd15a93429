package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/aweris/wsync/internal/compression"
	"github.com/aweris/wsync/internal/errdefs"
	"github.com/aweris/wsync/internal/filter"
	"github.com/aweris/wsync/internal/retry"
	"github.com/aweris/wsync/internal/tree"
)

const (
	DefaultConcurrency    = 4
	DefaultLayerCacheSize = 8

	labelStream   = "dev.wsync.stream"
	labelRevision = "dev.wsync.revision"
	labelRoot     = "dev.wsync.root"
	labelPrefixes = "dev.wsync.prefixes"
	labelClient   = "dev.wsync.client"
	labelChange   = "dev.wsync.change"
)

// OCI is a depot stored in an OCI registry repository.
//
// Each stream revision is an image tagged "<stream>-r<rev>", and the latest
// one is also tagged "<stream>-head". Tree nodes and file blobs are packed
// into zstd layers grouped by digest prefix; the image config labels carry
// the root ref and the prefix to layer map. Layers of prefixes that did not
// change are reused by the next revision. Clients are "client-<id>" images
// whose labels hold the have ledger and open changes, and pending changes
// are "change-<id>" images.
type OCI struct {
	repo        name.Repository
	options     []remote.Option
	concurrency int
	logger      *zap.Logger
	retry       retry.Config
	compressor  *compression.Compressor

	layers    *lru.Cache[string, map[digest.Digest][]byte]
	revisions *lru.Cache[string, *revisionInfo]
	loads     singleflight.Group

	// mu serializes read-modify-write of client and change images.
	mu sync.Mutex
}

var (
	_ Server    = (*OCI)(nil)
	_ Publisher = (*OCI)(nil)
)

type ociConfig struct {
	auth           authn.Authenticator
	keychain       authn.Keychain
	transport      http.RoundTripper
	insecure       bool
	concurrency    int
	layerCacheSize int
	logger         *zap.Logger
	retry          retry.Config
}

// OCIOption configures an OCI depot.
type OCIOption func(*ociConfig)

// WithAuth uses fixed credentials instead of the keychain.
func WithAuth(a authn.Authenticator) OCIOption {
	return func(c *ociConfig) { c.auth = a }
}

// WithKeychain resolves credentials from k. Defaults to the docker keychain.
func WithKeychain(k authn.Keychain) OCIOption {
	return func(c *ociConfig) { c.keychain = k }
}

// WithTransport sets the HTTP transport.
func WithTransport(t http.RoundTripper) OCIOption {
	return func(c *ociConfig) { c.transport = t }
}

// WithInsecure allows plain HTTP registries.
func WithInsecure() OCIOption {
	return func(c *ociConfig) { c.insecure = true }
}

// WithOCIConcurrency sets the number of parallel layer operations.
func WithOCIConcurrency(n int) OCIOption {
	return func(c *ociConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLayerCacheSize bounds how many decoded layers stay in memory.
func WithLayerCacheSize(n int) OCIOption {
	return func(c *ociConfig) {
		if n > 0 {
			c.layerCacheSize = n
		}
	}
}

// WithOCILogger sets the logger.
func WithOCILogger(l *zap.Logger) OCIOption {
	return func(c *ociConfig) { c.logger = l }
}

// WithOCIRetry sets the retry policy for registry calls.
func WithOCIRetry(cfg retry.Config) OCIOption {
	return func(c *ociConfig) { c.retry = cfg }
}

// NewOCI returns a depot backed by repository, e.g. "ghcr.io/org/depot".
func NewOCI(repository string, opts ...OCIOption) (*OCI, error) {
	cfg := ociConfig{
		keychain:       authn.DefaultKeychain,
		concurrency:    DefaultConcurrency,
		layerCacheSize: DefaultLayerCacheSize,
		logger:         zap.NewNop(),
		retry:          retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var nameOpts []name.Option
	if cfg.insecure {
		nameOpts = append(nameOpts, name.Insecure)
	}
	repo, err := name.NewRepository(repository, nameOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid repository %q: %w", repository, err)
	}

	var options []remote.Option
	if cfg.auth != nil {
		options = append(options, remote.WithAuth(cfg.auth))
	} else {
		options = append(options, remote.WithAuthFromKeychain(cfg.keychain))
	}
	if cfg.transport != nil {
		options = append(options, remote.WithTransport(cfg.transport))
	}

	compressor, err := compression.NewCompressor(compression.LevelDefault)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	layers, err := lru.New[string, map[digest.Digest][]byte](cfg.layerCacheSize)
	if err != nil {
		return nil, err
	}
	revisions, err := lru.New[string, *revisionInfo](256)
	if err != nil {
		return nil, err
	}

	return &OCI{
		repo:        repo,
		options:     options,
		concurrency: cfg.concurrency,
		logger:      cfg.logger,
		retry:       cfg.retry,
		compressor:  compressor,
		layers:      layers,
		revisions:   revisions,
	}, nil
}

func (o *OCI) String() string { return o.repo.String() }

// StreamTag maps a stream name onto the characters allowed in a tag.
func StreamTag(stream string) string {
	var b strings.Builder
	for _, r := range stream {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	tag := strings.Trim(b.String(), "-.")
	if tag == "" {
		tag = "stream"
	}
	if len(tag) > 100 {
		tag = tag[:100]
	}
	return tag
}

func revisionTag(stream string, rev int64) string {
	return fmt.Sprintf("%s-r%d", StreamTag(stream), rev)
}

func headTag(stream string) string { return StreamTag(stream) + "-head" }

func clientTag(clientID string) string { return "client-" + StreamTag(clientID) }

func changeTag(id int64) string { return fmt.Sprintf("change-%d", id) }

type revisionInfo struct {
	Stream   string
	Revision int64
	Root     tree.Ref
	Prefixes map[string]PrefixInfo
}

type clientRecord struct {
	ID     string           `json:"id"`
	Stream string           `json:"stream"`
	Ledger map[string]int64 `json:"ledger"`
	Open   []int64          `json:"open,omitempty"`
}

// CreateClient registers clientID for stream.
func (o *OCI) CreateClient(ctx context.Context, clientID, stream string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.client(ctx, clientID)
	if errors.Is(err, errdefs.ErrNotFound) {
		rec, err = &clientRecord{ID: clientID, Ledger: map[string]int64{}}, nil
	}
	if err != nil {
		return err
	}
	rec.Stream = stream
	return o.putClient(ctx, rec)
}

// Snapshot resolves stream at revision and returns a lazily fetched tree.
func (o *OCI) Snapshot(ctx context.Context, stream string, revision int64, _ *filter.View) (tree.Snapshot, int64, error) {
	info, err := o.revision(ctx, stream, revision)
	if err != nil {
		return nil, 0, err
	}
	snap, err := tree.NewLazySnapshot(info.Root, tree.NodeFetcherFunc(func(ctx context.Context, ref tree.Ref) ([]byte, error) {
		return o.object(ctx, info.Prefixes, ref)
	}), 0)
	if err != nil {
		return nil, 0, fmt.Errorf("snapshot %s: %w", stream, errors.Join(errdefs.ErrCorrupt, err))
	}
	return snap, info.Revision, nil
}

// Fetch returns the content of f from the revision that last changed it.
func (o *OCI) Fetch(ctx context.Context, stream string, f tree.File) (io.ReadCloser, error) {
	info, err := o.revision(ctx, stream, f.Revision)
	if err != nil {
		return nil, err
	}
	data, err := o.object(ctx, info.Prefixes, f.Digest)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", f.Path, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// HaveLedger returns the client's ledger.
func (o *OCI) HaveLedger(ctx context.Context, clientID string) (map[string]int64, error) {
	rec, err := o.client(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return rec.Ledger, nil
}

// SetHaveLedger replaces the client's ledger.
func (o *OCI) SetHaveLedger(ctx context.Context, clientID string, ledger map[string]int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.client(ctx, clientID)
	if err != nil {
		return err
	}
	rec.Ledger = maps.Clone(ledger)
	return o.putClient(ctx, rec)
}

// PendingChange reads a shelved change.
func (o *OCI) PendingChange(ctx context.Context, changeID int64) (*Change, error) {
	labels, err := o.labels(ctx, changeTag(changeID))
	if err != nil {
		return nil, err
	}
	var c Change
	if err := json.Unmarshal([]byte(labels[labelChange]), &c); err != nil {
		return nil, fmt.Errorf("change %d: %w", changeID, errors.Join(errdefs.ErrCorrupt, err))
	}
	return &c, nil
}

// FetchPending returns the content of a file of a shelved change.
func (o *OCI) FetchPending(ctx context.Context, changeID int64, f tree.File) (io.ReadCloser, error) {
	labels, err := o.labels(ctx, changeTag(changeID))
	if err != nil {
		return nil, err
	}
	prefixes, err := parsePrefixes(labels)
	if err != nil {
		return nil, err
	}
	data, err := o.object(ctx, prefixes, f.Digest)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from change %d: %w", f.Path, changeID, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// RevertOpenFiles deletes every change the client opened.
func (o *OCI) RevertOpenFiles(ctx context.Context, clientID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.client(ctx, clientID)
	if err != nil {
		return err
	}
	for _, id := range rec.Open {
		err := retry.Do(ctx, o.retry, func() error {
			return classify(remote.Delete(o.repo.Tag(changeTag(id)), o.remoteOptions(ctx)...))
		})
		if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return fmt.Errorf("delete change %d: %w", id, err)
		}
	}
	rec.Open = nil
	return o.putClient(ctx, rec)
}

// Publish packs files into the next revision of stream. Layers of digest
// prefixes that did not change since head are reused.
func (o *OCI) Publish(ctx context.Context, stream string, files map[string][]byte) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		prevFiles  = map[string]tree.File{}
		prevInfo   = &revisionInfo{}
		prevLayers = map[string]v1.Layer{}
	)
	img, err := o.image(ctx, headTag(stream))
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if prevInfo, err = o.revisionFromImage(img); err != nil {
			return 0, err
		}
		if prevLayers, err = layersByDigest(img); err != nil {
			return 0, err
		}
		snap, _, err := o.Snapshot(ctx, stream, prevInfo.Revision, nil)
		if err != nil {
			return 0, err
		}
		if prevFiles, err = tree.Files(ctx, snap, nil); err != nil {
			return 0, err
		}
	}

	rev := prevInfo.Revision + 1
	snap, blobs, err := buildRevision(prevFiles, files, rev)
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", stream, err)
	}
	objects := snap.Nodes()
	maps.Copy(objects, blobs)

	layers, prefixes, err := o.packLayers(ctx, objects, prevInfo.Prefixes, prevLayers)
	if err != nil {
		return 0, err
	}
	prefixJSON, err := json.Marshal(prefixes)
	if err != nil {
		return 0, err
	}

	out, err := buildImage(layers, map[string]string{
		labelStream:   stream,
		labelRevision: strconv.FormatInt(rev, 10),
		labelRoot:     snap.Root().String(),
		labelPrefixes: string(prefixJSON),
	})
	if err != nil {
		return 0, fmt.Errorf("build image: %w", err)
	}
	if err := o.write(ctx, revisionTag(stream, rev), out); err != nil {
		return 0, err
	}
	err = retry.Do(ctx, o.retry, func() error {
		return classify(remote.Tag(o.repo.Tag(headTag(stream)), out, o.remoteOptions(ctx)...))
	})
	if err != nil {
		return 0, fmt.Errorf("tag head: %w", err)
	}

	o.logger.Info("published revision",
		zap.String("stream", stream),
		zap.Int64("revision", rev),
		zap.Int("files", len(files)),
		zap.Int("layers", len(layers)))
	return rev, nil
}

// Shelve stores files as a pending change opened by clientID.
func (o *OCI) Shelve(ctx context.Context, clientID, stream, description string, files map[string][]byte) (int64, error) {
	list, blobs, err := pendingFiles(files)
	if err != nil {
		return 0, fmt.Errorf("shelve: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.client(ctx, clientID)
	if err != nil {
		return 0, err
	}
	id, err := o.nextChangeID(ctx)
	if err != nil {
		return 0, err
	}

	layers, prefixes, err := o.packLayers(ctx, blobs, nil, nil)
	if err != nil {
		return 0, err
	}
	change, err := json.Marshal(Change{ID: id, ClientID: clientID, Stream: stream, Description: description, Files: list})
	if err != nil {
		return 0, err
	}
	prefixJSON, err := json.Marshal(prefixes)
	if err != nil {
		return 0, err
	}
	img, err := buildImage(layers, map[string]string{
		labelChange:   string(change),
		labelPrefixes: string(prefixJSON),
	})
	if err != nil {
		return 0, fmt.Errorf("build image: %w", err)
	}
	if err := o.write(ctx, changeTag(id), img); err != nil {
		return 0, err
	}

	rec.Open = append(rec.Open, id)
	if err := o.putClient(ctx, rec); err != nil {
		return 0, err
	}
	return id, nil
}

func (o *OCI) nextChangeID(ctx context.Context) (int64, error) {
	tags, err := retry.DoWithResult(ctx, o.retry, func() ([]string, error) {
		tags, err := remote.List(o.repo, o.remoteOptions(ctx)...)
		return tags, classify(err)
	})
	if err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return 0, fmt.Errorf("list tags: %w", err)
	}
	var last int64
	for _, tag := range tags {
		if rest, ok := strings.CutPrefix(tag, "change-"); ok {
			if id, err := strconv.ParseInt(rest, 10, 64); err == nil && id > last {
				last = id
			}
		}
	}
	return last + 1, nil
}

// revision resolves stream at rev, zero meaning head.
func (o *OCI) revision(ctx context.Context, stream string, rev int64) (*revisionInfo, error) {
	if rev > 0 {
		if info, ok := o.revisions.Get(revisionTag(stream, rev)); ok {
			return info, nil
		}
	}
	tag := headTag(stream)
	if rev > 0 {
		tag = revisionTag(stream, rev)
	}
	img, err := o.image(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("stream %s revision %d: %w", stream, rev, err)
	}
	info, err := o.revisionFromImage(img)
	if err != nil {
		return nil, err
	}
	o.revisions.Add(revisionTag(stream, info.Revision), info)
	return info, nil
}

func (o *OCI) revisionFromImage(img v1.Image) (*revisionInfo, error) {
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, classify(fmt.Errorf("read config: %w", err))
	}
	labels := cfg.Config.Labels

	info := &revisionInfo{Stream: labels[labelStream], Root: tree.Ref(labels[labelRoot])}
	if info.Revision, err = strconv.ParseInt(labels[labelRevision], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid %s label: %w", labelRevision, errors.Join(errdefs.ErrCorrupt, err))
	}
	if err := info.Root.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s label: %w", labelRoot, errors.Join(errdefs.ErrCorrupt, err))
	}
	if info.Prefixes, err = parsePrefixes(labels); err != nil {
		return nil, err
	}
	return info, nil
}

func parsePrefixes(labels map[string]string) (map[string]PrefixInfo, error) {
	prefixes := map[string]PrefixInfo{}
	if raw := labels[labelPrefixes]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &prefixes); err != nil {
			return nil, fmt.Errorf("parse prefixes: %w", errors.Join(errdefs.ErrCorrupt, err))
		}
	}
	return prefixes, nil
}

// object returns one node or blob, loading the layer that holds it.
func (o *OCI) object(ctx context.Context, prefixes map[string]PrefixInfo, d digest.Digest) ([]byte, error) {
	info, ok := prefixes[prefixOf(d)]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", d, errdefs.ErrNotFound)
	}
	objects, err := o.layer(ctx, info.Layer)
	if err != nil {
		return nil, err
	}
	data, ok := objects[d]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", d, errdefs.ErrNotFound)
	}
	return data, nil
}

func (o *OCI) layer(ctx context.Context, layerDigest string) (map[digest.Digest][]byte, error) {
	if objects, ok := o.layers.Get(layerDigest); ok {
		return objects, nil
	}

	v, err, _ := o.loads.Do(layerDigest, func() (any, error) {
		if objects, ok := o.layers.Get(layerDigest); ok {
			return objects, nil
		}
		objects, err := retry.DoWithResult(ctx, o.retry, func() (map[digest.Digest][]byte, error) {
			return o.downloadLayer(ctx, layerDigest)
		})
		if err != nil {
			return nil, fmt.Errorf("load layer %s: %w", layerDigest, err)
		}
		o.layers.Add(layerDigest, objects)
		o.logger.Debug("loaded layer", zap.String("layer", layerDigest), zap.Int("objects", len(objects)))
		return objects, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[digest.Digest][]byte), nil
}

func (o *OCI) downloadLayer(ctx context.Context, layerDigest string) (map[digest.Digest][]byte, error) {
	layer, err := remote.Layer(o.repo.Digest(layerDigest), o.remoteOptions(ctx)...)
	if err != nil {
		return nil, classify(err)
	}
	rc, err := layer.Compressed()
	if err != nil {
		return nil, classify(err)
	}
	defer rc.Close()

	zr, err := compression.NewReader(rc)
	if err != nil {
		return nil, classify(err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, classify(err)
	}
	objects, err := UnpackLayer(data)
	if err != nil {
		return nil, errors.Join(errdefs.ErrCorrupt, err)
	}
	return objects, nil
}

type packResult struct {
	prefixes []string
	layer    *packedLayer
}

// packLayers builds the layers for objects. Prefixes whose PrefixHash
// matches prev reuse the previous layer when it is available.
func (o *OCI) packLayers(ctx context.Context, objects map[digest.Digest][]byte, prev map[string]PrefixInfo, prevLayers map[string]v1.Layer) ([]v1.Layer, map[string]PrefixInfo, error) {
	byPrefix := GroupByPrefix(objects)
	prefixes := make(map[string]PrefixInfo, len(byPrefix))
	reused := map[string]v1.Layer{}
	changed := map[string]map[digest.Digest][]byte{}

	for prefix, group := range byPrefix {
		hash := PrefixHash(group)
		if old, ok := prev[prefix]; ok && old.Hash == hash {
			if layer, ok := prevLayers[old.Layer]; ok {
				prefixes[prefix] = old
				reused[old.Layer] = layer
				continue
			}
		}
		changed[prefix] = group
	}

	plan := BuildLayerPlan(PrefixSizes(changed))
	p := pool.NewWithResults[packResult]().WithContext(ctx).WithMaxGoroutines(o.concurrency)
	for _, group := range plan {
		p.Go(func(ctx context.Context) (packResult, error) {
			if err := ctx.Err(); err != nil {
				return packResult{}, err
			}
			layer, err := newPackedLayer(o.compressor, PackLayer(CollectPrefixObjects(group, changed)))
			return packResult{prefixes: group, layer: layer}, err
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, nil, fmt.Errorf("pack layers: %w", err)
	}

	layers := make([]v1.Layer, 0, len(reused)+len(results))
	for _, d := range slices.Sorted(maps.Keys(reused)) {
		layers = append(layers, reused[d])
	}
	slices.SortFunc(results, func(a, b packResult) int { return strings.Compare(a.prefixes[0], b.prefixes[0]) })
	for _, r := range results {
		layers = append(layers, r.layer)
		for _, prefix := range r.prefixes {
			prefixes[prefix] = PrefixInfo{Hash: PrefixHash(changed[prefix]), Layer: r.layer.digest.String()}
		}
	}

	o.logger.Debug("packed layers",
		zap.Int("prefixes", len(byPrefix)),
		zap.Int("changed", len(changed)),
		zap.Int("reused", len(reused)),
		zap.Int("new", len(results)))
	return layers, prefixes, nil
}

func layersByDigest(img v1.Image) (map[string]v1.Layer, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, classify(fmt.Errorf("list layers: %w", err))
	}
	out := make(map[string]v1.Layer, len(layers))
	for _, l := range layers {
		d, err := l.Digest()
		if err != nil {
			return nil, classify(err)
		}
		out[d.String()] = l
	}
	return out, nil
}

func buildImage(layers []v1.Layer, labels map[string]string) (v1.Image, error) {
	img := empty.Image
	if len(layers) > 0 {
		var err error
		if img, err = mutate.AppendLayers(img, layers...); err != nil {
			return nil, err
		}
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = labels
	return mutate.ConfigFile(img, cfg)
}

func (o *OCI) write(ctx context.Context, tag string, img v1.Image) error {
	options := append(o.remoteOptions(ctx), remote.WithJobs(o.concurrency))
	err := retry.Do(ctx, o.retry, func() error {
		return classify(remote.Write(o.repo.Tag(tag), img, options...))
	})
	if err != nil {
		return fmt.Errorf("push %s: %w", tag, err)
	}
	return nil
}

func (o *OCI) image(ctx context.Context, tag string) (v1.Image, error) {
	return retry.DoWithResult(ctx, o.retry, func() (v1.Image, error) {
		img, err := remote.Image(o.repo.Tag(tag), o.remoteOptions(ctx)...)
		return img, classify(err)
	})
}

func (o *OCI) labels(ctx context.Context, tag string) (map[string]string, error) {
	img, err := o.image(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, classify(fmt.Errorf("%s: read config: %w", tag, err))
	}
	return cfg.Config.Labels, nil
}

func (o *OCI) client(ctx context.Context, clientID string) (*clientRecord, error) {
	labels, err := o.labels(ctx, clientTag(clientID))
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", clientID, err)
	}
	var rec clientRecord
	if err := json.Unmarshal([]byte(labels[labelClient]), &rec); err != nil {
		return nil, fmt.Errorf("client %s: %w", clientID, errors.Join(errdefs.ErrCorrupt, err))
	}
	if rec.Ledger == nil {
		rec.Ledger = map[string]int64{}
	}
	return &rec, nil
}

func (o *OCI) putClient(ctx context.Context, rec *clientRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	img, err := buildImage(nil, map[string]string{labelClient: string(data)})
	if err != nil {
		return err
	}
	return o.write(ctx, clientTag(rec.ID), img)
}

func (o *OCI) remoteOptions(ctx context.Context) []remote.Option {
	return append(slices.Clone(o.options), remote.WithContext(ctx))
}

// classify tags registry failures with the errdefs classes.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errdefs.Wrap(errdefs.ErrPermission, err)
		case http.StatusNotFound:
			return errdefs.Wrap(errdefs.ErrNotFound, err)
		}
	}
	return errdefs.Network(err)
}

// packedLayer is a v1.Layer over an in-memory zstd frame.
type packedLayer struct {
	compressed   []byte
	uncompressed []byte
	digest       v1.Hash
	diffID       v1.Hash
}

func newPackedLayer(c *compression.Compressor, data []byte) (*packedLayer, error) {
	l := &packedLayer{compressed: c.Compress(data), uncompressed: data}
	var err error
	if l.digest, _, err = v1.SHA256(bytes.NewReader(l.compressed)); err != nil {
		return nil, err
	}
	if l.diffID, _, err = v1.SHA256(bytes.NewReader(l.uncompressed)); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *packedLayer) Digest() (v1.Hash, error) { return l.digest, nil }
func (l *packedLayer) DiffID() (v1.Hash, error) { return l.diffID, nil }
func (l *packedLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}
func (l *packedLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}
func (l *packedLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *packedLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

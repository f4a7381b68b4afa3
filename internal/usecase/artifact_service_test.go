package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"signature-vault/internal/domain"
	"signature-vault/internal/envelope"
)

// mockKeyStore はテスト用のメモリ上の KeyStore。
type mockKeyStore struct {
	mu        sync.Mutex
	keys      map[domain.ArtifactID]domain.SymmetricKey
	putErr    error
	deleteErr error
	listErr   error
}

func newMockKeyStore() *mockKeyStore {
	return &mockKeyStore{keys: make(map[domain.ArtifactID]domain.SymmetricKey)}
}

func (m *mockKeyStore) Put(ctx context.Context, id domain.ArtifactID, key domain.SymmetricKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.keys[id] = append(domain.SymmetricKey(nil), key...)
	return nil
}

func (m *mockKeyStore) Get(ctx context.Context, id domain.ArtifactID) (domain.SymmetricKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return key, nil
}

func (m *mockKeyStore) Delete(ctx context.Context, id domain.ArtifactID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.keys, id)
	return nil
}

func (m *mockKeyStore) List(ctx context.Context) ([]domain.ArtifactID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	ids := make([]domain.ArtifactID, 0, len(m.keys))
	for id := range m.keys {
		ids = append(ids, id)
	}
	return ids, nil
}

// mockBlobStore はテスト用のメモリ上の BlobStore。
type mockBlobStore struct {
	mu        sync.Mutex
	blobs     map[domain.ArtifactID][]byte
	infos     map[domain.ArtifactID]domain.BlobInfo
	writeErr  error
	deleteErr error
	writes    int
}

func newMockBlobStore() *mockBlobStore {
	return &mockBlobStore{
		blobs: make(map[domain.ArtifactID][]byte),
		infos: make(map[domain.ArtifactID]domain.BlobInfo),
	}
}

func (m *mockBlobStore) Write(ctx context.Context, id domain.ArtifactID, data []byte, mimeType, directory string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writeErr != nil {
		return m.writeErr
	}
	m.blobs[id] = append([]byte(nil), data...)
	m.infos[id] = domain.BlobInfo{
		ArtifactID:  id,
		DisplayName: id.String(),
		MimeType:    mimeType,
		Directory:   directory,
		Size:        int64(len(data)),
		CreatedAt:   time.Unix(int64(m.writes), 0),
	}
	return nil
}

func (m *mockBlobStore) Read(ctx context.Context, id domain.ArtifactID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[id]
	if !ok {
		return nil, domain.ErrBlobNotFound
	}
	return data, nil
}

func (m *mockBlobStore) Exists(ctx context.Context, id domain.ArtifactID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[id]
	return ok, nil
}

func (m *mockBlobStore) Delete(ctx context.Context, id domain.ArtifactID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.blobs, id)
	delete(m.infos, id)
	return nil
}

func (m *mockBlobStore) List(ctx context.Context, filter string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]domain.BlobInfo, 0, len(m.infos))
	for _, info := range m.infos {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ArtifactID < infos[j].ArtifactID })
	return infos, nil
}

// failingCodec は指定した処理だけ失敗する EnvelopeCodec。
type failingCodec struct {
	EnvelopeCodec
	genErr     error
	decryptErr error
}

func (c *failingCodec) GenerateKey() (domain.SymmetricKey, error) {
	if c.genErr != nil {
		return nil, c.genErr
	}
	return c.EnvelopeCodec.GenerateKey()
}

func (c *failingCodec) Decrypt(env domain.Envelope, key domain.SymmetricKey) ([]byte, error) {
	if c.decryptErr != nil {
		return nil, c.decryptErr
	}
	return c.EnvelopeCodec.Decrypt(env, key)
}

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R', 1, 2, 3}

func newTestService(keys *mockKeyStore, blobs *mockBlobStore) *ArtifactService {
	return NewArtifactService(envelope.NewLegacyCodec(), keys, blobs,
		WithIDGenerator(NewIDGenerator(".png", fixedClock(1700000000000))))
}

func TestArtifactService_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	svc := newTestService(keys, blobs)

	id, err := svc.Save(ctx, pngBytes, "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if id != "sig_1700000000000.png" {
		t.Errorf("want sig_1700000000000.png, got %s", id)
	}

	if len(keys.keys[id]) != 16 {
		t.Errorf("want 16-byte key stored under %s, got %d bytes", id, len(keys.keys[id]))
	}
	if bytes.Contains(blobs.blobs[id], []byte("PNG")) {
		t.Error("stored blob contains plaintext")
	}
	info := blobs.infos[id]
	if info.MimeType != "image/png" || info.Directory != "Pictures/EncryptedSignatures" {
		t.Errorf("unexpected blob metadata: %+v", info)
	}

	got, err := svc.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(got, pngBytes) {
		t.Errorf("round trip mismatch: got %x", got)
	}
}

func TestArtifactService_SaveSameMillisecond(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMockKeyStore(), newMockBlobStore())

	first, err := svc.Save(ctx, []byte("first"), "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	second, err := svc.Save(ctx, []byte("second"), "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if first != "sig_1700000000000.png" || second != "sig_1700000000001.png" {
		t.Fatalf("unexpected ids: %s, %s", first, second)
	}

	a, err := svc.Load(ctx, first)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	b, err := svc.Load(ctx, second)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(a) != "first" || string(b) != "second" {
		t.Errorf("artifacts overwrote each other: %q, %q", a, b)
	}
}

func TestArtifactService_SaveSkipsExistingIdentifier(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	blobs.blobs["sig_1700000000000.png"] = []byte("from another process")

	svc := newTestService(keys, blobs)
	id, err := svc.Save(ctx, pngBytes, "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if id != "sig_1700000000001.png" {
		t.Errorf("want sig_1700000000001.png, got %s", id)
	}
	if string(blobs.blobs["sig_1700000000000.png"]) != "from another process" {
		t.Error("existing blob was overwritten")
	}
}

func TestArtifactService_SaveValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMockKeyStore(), newMockBlobStore())

	_, err := svc.Save(ctx, nil, "sig")
	if !errors.Is(err, domain.ErrSave) || !errors.Is(err, domain.ErrEmptyImage) {
		t.Errorf("want ErrSave wrapping ErrEmptyImage, got %v", err)
	}

	_, err = svc.Save(ctx, pngBytes, "../etc")
	if !errors.Is(err, domain.ErrInvalidBaseName) {
		t.Errorf("want ErrInvalidBaseName, got %v", err)
	}
	if step := domain.FailedStep(err); step != StepGenerateID {
		t.Errorf("want step %s, got %s", StepGenerateID, step)
	}
}

func TestArtifactService_SaveKeyGenerationFailure(t *testing.T) {
	ctx := context.Background()
	blobs := newMockBlobStore()
	codec := &failingCodec{EnvelopeCodec: envelope.NewLegacyCodec(), genErr: domain.ErrKeyGeneration}
	svc := NewArtifactService(codec, newMockKeyStore(), blobs)

	_, err := svc.Save(ctx, pngBytes, "sig")
	if !errors.Is(err, domain.ErrSave) || !errors.Is(err, domain.ErrKeyGeneration) {
		t.Errorf("want ErrSave wrapping ErrKeyGeneration, got %v", err)
	}
	if step := domain.FailedStep(err); step != StepGenerateKey {
		t.Errorf("want step %s, got %s", StepGenerateKey, step)
	}
	if len(blobs.blobs) != 0 {
		t.Error("no blob should be written when key generation fails")
	}
}

func TestArtifactService_SaveBlobWriteFailure(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	blobs.writeErr = errors.New("disk full")
	svc := newTestService(keys, blobs)

	_, err := svc.Save(ctx, pngBytes, "sig")
	if !errors.Is(err, domain.ErrSave) {
		t.Errorf("want ErrSave, got %v", err)
	}
	if step := domain.FailedStep(err); step != StepWriteBlob {
		t.Errorf("want step %s, got %s", StepWriteBlob, step)
	}
	if len(keys.keys) != 0 {
		t.Error("no key should be stored when the blob write fails")
	}
}

func TestArtifactService_SaveRollsBackBlobOnKeyFailure(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	keys.putErr = errors.New("database is locked")
	svc := newTestService(keys, blobs)

	_, err := svc.Save(ctx, pngBytes, "sig")
	if !errors.Is(err, domain.ErrSave) {
		t.Fatalf("want ErrSave, got %v", err)
	}
	if step := domain.FailedStep(err); step != StepPutKey {
		t.Errorf("want step %s, got %s", StepPutKey, step)
	}
	if errors.Is(err, domain.ErrCorruption) {
		t.Errorf("successful rollback must not report corruption: %v", err)
	}
	if len(blobs.blobs) != 0 {
		t.Error("blob should be rolled back after key write failure")
	}
}

func TestArtifactService_SaveRollbackFailureReportsBoth(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	keyErr := errors.New("database is locked")
	keys.putErr = keyErr
	blobs.deleteErr = errors.New("permission denied")
	svc := newTestService(keys, blobs)

	_, err := svc.Save(ctx, pngBytes, "sig")
	if !errors.Is(err, domain.ErrSave) || !errors.Is(err, keyErr) || !errors.Is(err, domain.ErrCorruption) {
		t.Errorf("want ErrSave with key error and ErrCorruption, got %v", err)
	}
}

func TestArtifactService_LoadMissingKey(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMockKeyStore(), newMockBlobStore())

	_, err := svc.Load(ctx, "sig_1.png")
	if !errors.Is(err, domain.ErrLoad) || !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrLoad wrapping ErrKeyNotFound, got %v", err)
	}
	if errors.Is(err, domain.ErrCorruption) {
		t.Errorf("nonexistent artifact is not corruption: %v", err)
	}
	if step := domain.FailedStep(err); step != StepGetKey {
		t.Errorf("want step %s, got %s", StepGetKey, step)
	}
}

func TestArtifactService_LoadOrphanBlob(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	svc := newTestService(keys, blobs)

	id, err := svc.Save(ctx, pngBytes, "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	delete(keys.keys, id)

	_, err = svc.Load(ctx, id)
	if !errors.Is(err, domain.ErrKeyNotFound) || !errors.Is(err, domain.ErrCorruption) {
		t.Errorf("want ErrKeyNotFound and ErrCorruption, got %v", err)
	}
}

func TestArtifactService_LoadMissingBlob(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	svc := newTestService(keys, blobs)

	id, err := svc.Save(ctx, pngBytes, "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	delete(blobs.blobs, id)

	_, err = svc.Load(ctx, id)
	if !errors.Is(err, domain.ErrBlobNotFound) || !errors.Is(err, domain.ErrCorruption) {
		t.Errorf("want ErrBlobNotFound and ErrCorruption, got %v", err)
	}
	if step := domain.FailedStep(err); step != StepReadBlob {
		t.Errorf("want step %s, got %s", StepReadBlob, step)
	}
}

func TestArtifactService_LoadDecryptFailure(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	svc := newTestService(keys, blobs)

	id, err := svc.Save(ctx, pngBytes, "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// ブロック長の倍数でない暗号文は復号できない
	blobs.blobs[id] = blobs.blobs[id][:len(blobs.blobs[id])-1]

	_, err = svc.Load(ctx, id)
	if !errors.Is(err, domain.ErrLoad) || !errors.Is(err, domain.ErrDecryption) {
		t.Errorf("want ErrLoad wrapping ErrDecryption, got %v", err)
	}
	if step := domain.FailedStep(err); step != StepDecrypt {
		t.Errorf("want step %s, got %s", StepDecrypt, step)
	}
}

func TestArtifactService_LoadInvalidID(t *testing.T) {
	svc := newTestService(newMockKeyStore(), newMockBlobStore())

	_, err := svc.Load(context.Background(), "../secret")
	if !errors.Is(err, domain.ErrInvalidArtifactID) {
		t.Errorf("want ErrInvalidArtifactID, got %v", err)
	}
}

func TestArtifactService_KeyIsolation(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	svc := newTestService(keys, blobs)

	a, err := svc.Save(ctx, pngBytes, "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	b, err := svc.Save(ctx, pngBytes, "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if bytes.Equal(keys.keys[a], keys.keys[b]) {
		t.Error("two artifacts share a key")
	}
	if bytes.Equal(blobs.blobs[a], blobs.blobs[b]) {
		t.Error("same image under different keys produced identical ciphertext")
	}
}

func TestArtifactService_DeleteCompleteness(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	svc := newTestService(keys, blobs)

	id, err := svc.Save(ctx, pngBytes, "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := svc.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, ok := blobs.blobs[id]; ok {
		t.Error("blob still present after delete")
	}
	if _, ok := keys.keys[id]; ok {
		t.Error("key still present after delete")
	}
	if _, err := svc.Load(ctx, id); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound after delete, got %v", err)
	}

	// 同じ識別子で再保存できる
	again := NewArtifactService(envelope.NewLegacyCodec(), keys, blobs,
		WithIDGenerator(NewIDGenerator(".png", fixedClock(1700000000000))))
	reused, err := again.Save(ctx, []byte("new image"), "sig")
	if err != nil {
		t.Fatalf("re-save failed: %v", err)
	}
	if reused != id {
		t.Fatalf("want identifier %s to be reused, got %s", id, reused)
	}
	got, err := again.Load(ctx, reused)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(got) != "new image" {
		t.Errorf("want new image, got %q", got)
	}
}

func TestArtifactService_DeleteReportsBothFailures(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	blobErr := errors.New("blob store offline")
	keyErr := errors.New("key store offline")
	blobs.deleteErr = blobErr
	keys.deleteErr = keyErr
	svc := newTestService(keys, blobs)

	err := svc.Delete(ctx, "sig_1.png")
	if !errors.Is(err, domain.ErrDelete) || !errors.Is(err, blobErr) || !errors.Is(err, keyErr) {
		t.Errorf("want ErrDelete carrying both failures, got %v", err)
	}
	if step := domain.FailedStep(err); step != StepDeleteBoth {
		t.Errorf("want step %s, got %s", StepDeleteBoth, step)
	}
}

func TestArtifactService_DeletePartialFailure(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	svc := newTestService(keys, blobs)

	id, err := svc.Save(ctx, pngBytes, "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	keys.deleteErr = errors.New("key store offline")

	err = svc.Delete(ctx, id)
	if !errors.Is(err, domain.ErrDelete) || !errors.Is(err, domain.ErrCorruption) {
		t.Errorf("want ErrDelete and ErrCorruption, got %v", err)
	}
	if step := domain.FailedStep(err); step != StepDeleteKey {
		t.Errorf("want step %s, got %s", StepDeleteKey, step)
	}
	if _, ok := blobs.blobs[id]; ok {
		t.Error("blob deletion should still be attempted")
	}
}

func TestArtifactService_List(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newMockKeyStore(), newMockBlobStore())

	var ids []domain.ArtifactID
	for i := 0; i < 3; i++ {
		id, err := svc.Save(ctx, []byte(fmt.Sprintf("image-%d", i)), "sig")
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		ids = append(ids, id)
	}

	summaries, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("want 3 summaries, got %d", len(summaries))
	}
	for i, s := range summaries {
		if s.ArtifactID != ids[i] {
			t.Errorf("summary %d: want %s, got %s", i, ids[i], s.ArtifactID)
		}
		if s.Size != 16 {
			t.Errorf("summary %d: want size 16, got %d", i, s.Size)
		}
	}
}

func TestArtifactService_Verify(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	svc := newTestService(keys, blobs)

	if _, err := svc.Save(ctx, pngBytes, "sig"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	report, err := svc.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !report.Clean() || report.Checked != 1 {
		t.Errorf("want clean report over 1 artifact, got %+v", report)
	}

	orphanBlob, err := svc.Save(ctx, pngBytes, "sig")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	delete(keys.keys, orphanBlob)
	keys.keys["sig_42.png"] = make(domain.SymmetricKey, 16)

	report, err = svc.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Clean() {
		t.Fatal("want orphans to be reported")
	}
	if report.Checked != 3 {
		t.Errorf("want 3 checked, got %d", report.Checked)
	}
	if len(report.BlobsWithoutKeys) != 1 || report.BlobsWithoutKeys[0] != orphanBlob {
		t.Errorf("unexpected blobs without keys: %v", report.BlobsWithoutKeys)
	}
	if len(report.KeysWithoutBlobs) != 1 || report.KeysWithoutBlobs[0] != "sig_42.png" {
		t.Errorf("unexpected keys without blobs: %v", report.KeysWithoutBlobs)
	}
}

func TestArtifactService_VerifyListError(t *testing.T) {
	keys := newMockKeyStore()
	keys.listErr = errors.New("connection refused")
	svc := newTestService(keys, newMockBlobStore())

	if _, err := svc.Verify(context.Background()); err == nil {
		t.Error("want error when key listing fails")
	}
}

func TestArtifactService_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	keys, blobs := newMockKeyStore(), newMockBlobStore()
	svc := NewArtifactService(envelope.NewSealedCodec(), keys, blobs)

	const n = 20
	var wg sync.WaitGroup
	ids := make([]domain.ArtifactID, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = svc.Save(ctx, []byte(fmt.Sprintf("image-%d", i)), "sig")
		}(i)
	}
	wg.Wait()

	seen := make(map[domain.ArtifactID]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Save %d failed: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Fatalf("duplicate identifier %s", ids[i])
		}
		seen[ids[i]] = true

		got, err := svc.Load(ctx, ids[i])
		if err != nil {
			t.Fatalf("Load %s failed: %v", ids[i], err)
		}
		if string(got) != fmt.Sprintf("image-%d", i) {
			t.Errorf("artifact %s: got %q", ids[i], got)
		}
	}
	if svc.locks.size() != 0 {
		t.Errorf("want no retained locks, got %d", svc.locks.size())
	}
}

package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"stargazer/internal/database"
	"stargazer/internal/events"
	"stargazer/internal/models"
)

const (
	targetMars     = 5
	positionZenith = 2
)

type harness struct {
	store    *database.Store
	dir      *ImageDirectory
	thumbs   *Thumbnailer
	rec      *events.Recorder
	queue    *CommandQueue
	uploader *Uploader
	recon    *Reconciler
	device   *models.Device
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := database.Open(database.DriverSQLite, filepath.Join(root, "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	imgDir := filepath.Join(root, "images")
	if err := os.MkdirAll(imgDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	h := &harness{
		store:  store,
		dir:    NewImageDirectory(imgDir, "/assets/images", []string{"jpg", "jpeg", "png", "gif", "webp"}),
		thumbs: NewThumbnailer(imgDir, 64, 64),
		rec:    &events.Recorder{},
	}
	h.queue = NewCommandQueue(store, h.rec, models.DefaultFailureFloor)
	h.uploader = NewUploader(store, h.dir, h.thumbs, h.rec, 1<<20)
	h.recon = NewReconciler(store, h.dir, h.thumbs, h.rec)

	h.device, err = h.queue.CreateDevice(context.Background(), "backyard")
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
	return h
}

func (h *harness) enqueue(t *testing.T) *models.Command {
	t.Helper()
	cmd, err := h.queue.Enqueue(context.Background(), targetMars, positionZenith, h.device.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return cmd
}

func (h *harness) status(t *testing.T, id int64) models.CommandStatus {
	t.Helper()
	cmd, err := h.store.GetCommand(context.Background(), id)
	if err != nil || cmd == nil {
		t.Fatalf("get command %d: %v", id, err)
	}
	return cmd.Status
}

func jpegPayload(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestParseFilename(t *testing.T) {
	cases := []struct {
		name   string
		ok     bool
		id     int64
		suffix string
	}{
		{"1700000000-42-Mars_Zenith.jpg", true, 42, "Mars_Zenith"},
		{"1700000000-42-Mars_Zenith_1.png", true, 42, "Mars_Zenith_1"},
		{"not-a-valid-name.jpg", false, 0, ""},
		{"1700000000-42.jpg", false, 0, ""},
		{"1700000000-x-Mars_Zenith.jpg", false, 0, ""},
		{"1700000000-42-.jpg", false, 0, ""},
		{"1700000000-42-Mars_Zenith", false, 0, ""},
	}
	for _, tc := range cases {
		got, ok := ParseFilename(tc.name)
		if ok != tc.ok {
			t.Fatalf("%s: ok=%v, want %v", tc.name, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if got.CommandID != tc.id || got.Name != tc.suffix || got.Timestamp != 1700000000 {
			t.Fatalf("%s: unexpected parse %+v", tc.name, got)
		}
	}
}

func TestBuildFilenameRoundTrips(t *testing.T) {
	name := BuildFilename(time.Unix(1700000000, 0), 42, "Alpha-Centauri", "Any", "", "jpg")
	if name != "1700000000-42-Alpha_Centauri_Any.jpg" {
		t.Fatalf("unexpected name %s", name)
	}
	parsed, ok := ParseFilename(name)
	if !ok || parsed.CommandID != 42 || parsed.Name != "Alpha_Centauri_Any" {
		t.Fatalf("round trip failed: %+v %v", parsed, ok)
	}
	if got := DisplayName("", " "); got != "Unknown_Unknown" {
		t.Fatalf("expected placeholder names, got %s", got)
	}
}

func TestCommandLifecycleScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cmd := h.enqueue(t)
	if cmd.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", cmd.Status)
	}

	got, err := h.queue.Dispatch(ctx, h.device.Token)
	if err != nil || got == nil {
		t.Fatalf("dispatch: %+v (%v)", got, err)
	}
	if got.ID != cmd.ID || got.Target != "Mars" || got.Position != positionZenith {
		t.Fatalf("unexpected dispatch %+v", got)
	}
	if st := h.status(t, cmd.ID); st != models.StatusFetched {
		t.Fatalf("expected fetched, got %s", st)
	}

	est := time.Now().Add(time.Minute).Unix()
	if _, err := h.queue.Report(ctx, h.device.Token, cmd.ID, models.StatusProcessing, &est); err != nil {
		t.Fatalf("report: %v", err)
	}
	if st := h.status(t, cmd.ID); st != models.StatusProcessing {
		t.Fatalf("expected processing, got %s", st)
	}

	img, err := h.uploader.Upload(ctx, h.device.Token, cmd.ID, jpegPayload(t))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if st := h.status(t, cmd.ID); st != models.StatusComplete {
		t.Fatalf("expected complete, got %s", st)
	}
	if _, err := os.Stat(img.Path); err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if _, err := os.Stat(h.thumbs.PathFor(img.Path)); err != nil {
		t.Fatalf("thumbnail missing: %v", err)
	}
	if img.Name != "Mars_Zenith" || img.Checksum == "" || filepath.Ext(img.Path) != ".jpg" {
		t.Fatalf("unexpected image %+v", img)
	}
	row, err := h.store.GetImageByCommand(ctx, cmd.ID)
	if err != nil || row == nil || row.Path != img.Path {
		t.Fatalf("image row: %+v (%v)", row, err)
	}

	again, err := h.queue.Dispatch(ctx, h.device.Token)
	if err != nil || again != nil {
		t.Fatalf("expected none available, got %+v (%v)", again, err)
	}

	want := []string{events.CommandEnqueued, events.CommandDispatched, events.CommandReported, events.CommandCompleted}
	types := h.rec.Types()
	if len(types) != len(want) {
		t.Fatalf("events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events %v, want %v", types, want)
		}
	}
}

func TestDispatchConcurrentPollsClaimOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cmd := h.enqueue(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		hits int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.queue.Dispatch(ctx, h.device.Token)
			if err != nil {
				t.Errorf("dispatch: %v", err)
				return
			}
			if got != nil {
				mu.Lock()
				hits++
				mu.Unlock()
				if got.ID != cmd.ID {
					t.Errorf("unexpected command %d", got.ID)
				}
			}
		}()
	}
	wg.Wait()
	if hits != 1 {
		t.Fatalf("expected exactly one successful dispatch, got %d", hits)
	}
}

func TestDispatchUnknownTokenIsUnauthorized(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if _, err := h.queue.Dispatch(context.Background(), "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDispatchMarksUnresolvableCommandInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	// Позиция есть в справочнике, но не в перечислении позиций.
	if _, err := h.store.DB().ExecContext(ctx, "INSERT INTO positions (id, name) VALUES (9, 'Overhead')"); err != nil {
		t.Fatalf("insert position: %v", err)
	}
	bad, err := h.queue.Enqueue(ctx, targetMars, 9, h.device.ID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := h.queue.Dispatch(ctx, h.device.Token)
	if err != nil || got != nil {
		t.Fatalf("expected none available, got %+v (%v)", got, err)
	}
	if st := h.status(t, bad.ID); st != models.StatusInvalidTarget {
		t.Fatalf("expected invalid target, got %s", st)
	}

	good := h.enqueue(t)
	got, err = h.queue.Dispatch(ctx, h.device.Token)
	if err != nil || got == nil || got.ID != good.ID {
		t.Fatalf("malformed command must not block the queue: %+v (%v)", got, err)
	}
}

func TestDispatchRequeuesWhenNamesCannotBeRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cmd := h.enqueue(t)

	if _, err := h.store.DB().ExecContext(ctx, "ALTER TABLE objects RENAME TO objects_moved"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := h.queue.Dispatch(ctx, h.device.Token); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if st := h.status(t, cmd.ID); st != models.StatusPending {
		t.Fatalf("command must go back to the queue, got %s", st)
	}

	if _, err := h.store.DB().ExecContext(ctx, "ALTER TABLE objects_moved RENAME TO objects"); err != nil {
		t.Fatalf("rename back: %v", err)
	}
	got, err := h.queue.Dispatch(ctx, h.device.Token)
	if err != nil || got == nil || got.ID != cmd.ID {
		t.Fatalf("expected the same command on the next poll, got %+v (%v)", got, err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.queue.Enqueue(ctx, 99, positionZenith, h.device.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown target, got %v", err)
	}
	if _, err := h.queue.Enqueue(ctx, targetMars, positionZenith, h.device.ID+50); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown device, got %v", err)
	}
	if _, err := h.queue.CreateDevice(ctx, "  "); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty name, got %v", err)
	}
}

func TestReportRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cmd := h.enqueue(t)

	// Ещё не выдана: переход из PENDING не разрешён.
	if _, err := h.queue.Report(ctx, h.device.Token, cmd.ID, models.StatusProcessing, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition from pending, got %v", err)
	}
	if _, err := h.queue.Dispatch(ctx, h.device.Token); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if _, err := h.queue.Report(ctx, h.device.Token, cmd.ID, 7, nil); !errors.Is(err, ErrStatusOutOfRange) {
		t.Fatalf("expected ErrStatusOutOfRange, got %v", err)
	}
	if _, err := h.queue.Report(ctx, h.device.Token, cmd.ID, models.StatusComplete, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("complete must come from upload only, got %v", err)
	}
	if _, err := h.queue.Report(ctx, h.device.Token, cmd.ID, -4, nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("reserved failure is not reportable, got %v", err)
	}
	if _, err := h.queue.Report(ctx, h.device.Token, cmd.ID+100, models.StatusProcessing, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	other, err := h.queue.CreateDevice(ctx, "other")
	if err != nil {
		t.Fatalf("create device: %v", err)
	}
	if _, err := h.queue.Report(ctx, other.Token, cmd.ID, models.StatusProcessing, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign command must be not found, got %v", err)
	}
	if _, err := h.queue.Report(ctx, "bogus", cmd.ID, models.StatusProcessing, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if st := h.status(t, cmd.ID); st != models.StatusFetched {
		t.Fatalf("rejected reports must not change status, got %s", st)
	}

	// Оценка сохраняется только для PROCESSING.
	est := int64(1700000999)
	if _, err := h.queue.Report(ctx, h.device.Token, cmd.ID, models.StatusFetchFailed, &est); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	got, _ := h.store.GetCommand(ctx, cmd.ID)
	if got.Status != models.StatusFetchFailed || got.Estimate != nil {
		t.Fatalf("unexpected command after failure report %+v", got)
	}
}

func TestReportResponseLegacy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	ok := h.enqueue(t)
	if _, err := h.queue.Dispatch(ctx, h.device.Token); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := h.queue.ReportResponse(ctx, h.device.Token, ok.ID, true); err != nil {
		t.Fatalf("response: %v", err)
	}
	if st := h.status(t, ok.ID); st != models.StatusProcessing {
		t.Fatalf("expected processing, got %s", st)
	}
	if _, err := h.queue.ReportResponse(ctx, h.device.Token, ok.ID, true); err != nil {
		t.Fatalf("processing + true should be accepted: %v", err)
	}
	if st := h.status(t, ok.ID); st != models.StatusProcessing {
		t.Fatalf("processing + true must not change status, got %s", st)
	}
	if _, err := h.queue.ReportResponse(ctx, h.device.Token, ok.ID, false); err != nil {
		t.Fatalf("response: %v", err)
	}
	if st := h.status(t, ok.ID); st != models.StatusProcessFailed {
		t.Fatalf("expected process failed, got %s", st)
	}
	if _, err := h.queue.ReportResponse(ctx, h.device.Token, ok.ID, true); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("response after failure must be rejected, got %v", err)
	}
}

func TestSoftDeleteAndDeviceDeletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cmd := h.enqueue(t)

	if err := h.queue.SoftDelete(ctx, cmd.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := h.queue.SoftDelete(ctx, cmd.ID); err != nil {
		t.Fatalf("soft delete must be idempotent: %v", err)
	}
	if st := h.status(t, cmd.ID); st != models.StatusSoftDeleted {
		t.Fatalf("expected soft deleted, got %s", st)
	}
	if got, err := h.queue.Dispatch(ctx, h.device.Token); err != nil || got != nil {
		t.Fatalf("soft-deleted command must not be dispatched: %+v (%v)", got, err)
	}
	if err := h.queue.SoftDelete(ctx, 12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	h.enqueue(t)
	n, err := h.queue.DeleteAllForDevice(ctx, h.device.Token)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deleted commands, got %d (%v)", n, err)
	}
	if err := h.queue.DeleteDevice(ctx, h.device.ID); err != nil {
		t.Fatalf("delete device: %v", err)
	}
	if err := h.queue.DeleteDevice(ctx, h.device.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	devices, err := h.queue.ListDevices(ctx)
	if err != nil || len(devices) != 0 {
		t.Fatalf("expected no devices, got %v (%v)", devices, err)
	}
}

func TestUploadRejectsBadInputWithoutSideEffects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	pending := h.enqueue(t)
	payload := jpegPayload(t)

	cases := []struct {
		name    string
		token   string
		id      int64
		payload string
		want    error
	}{
		{"token", "bogus", pending.ID, payload, ErrUnauthorized},
		{"base64", h.device.Token, pending.ID, "***not base64***", ErrBadPayload},
		{"empty", h.device.Token, pending.ID, "", ErrBadPayload},
		{"not an image", h.device.Token, pending.ID, base64.StdEncoding.EncodeToString([]byte("plain text, definitely")), ErrBadPayload},
		{"unknown command", h.device.Token, pending.ID + 99, payload, ErrNotFound},
		{"pending command", h.device.Token, pending.ID, payload, ErrIllegalTransition},
	}
	for _, tc := range cases {
		if _, err := h.uploader.Upload(ctx, tc.token, tc.id, tc.payload); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if st := h.status(t, pending.ID); st != models.StatusPending {
		t.Fatalf("status must be unchanged, got %s", st)
	}
	files, err := h.dir.List()
	if err != nil || len(files) != 0 {
		t.Fatalf("no files expected, got %v (%v)", files, err)
	}
	if n, _ := h.store.CountImages(ctx); n != 0 {
		t.Fatalf("no image rows expected, got %d", n)
	}
}

func TestUploadRejectsOversizedPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	small := NewUploader(h.store, h.dir, nil, h.rec, 64)
	cmd := h.enqueue(t)
	if _, err := h.queue.Dispatch(ctx, h.device.Token); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := small.Upload(ctx, h.device.Token, cmd.ID, jpegPayload(t)); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload, got %v", err)
	}
	if st := h.status(t, cmd.ID); st != models.StatusFetched {
		t.Fatalf("status must be unchanged, got %s", st)
	}
}

func TestUploadRetriesOnceOnNameCollision(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cmd := h.enqueue(t)
	if _, err := h.queue.Dispatch(ctx, h.device.Token); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ts := time.Unix(1700000000, 0)
	h.uploader.now = func() time.Time { return ts }
	taken := BuildFilename(ts, cmd.ID, "Mars", "Zenith", "", "jpg")
	if err := os.WriteFile(h.dir.Path(taken), []byte("occupied"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	img, err := h.uploader.Upload(ctx, h.device.Token, cmd.ID, jpegPayload(t))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := BuildFilename(ts, cmd.ID, "Mars", "Zenith", "_1", "jpg")
	if filepath.Base(img.Path) != want {
		t.Fatalf("expected %s, got %s", want, filepath.Base(img.Path))
	}
	if data, _ := os.ReadFile(h.dir.Path(taken)); string(data) != "occupied" {
		t.Fatalf("existing file must not be overwritten")
	}
}

func TestUploadAfterCompletionIsRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cmd := h.enqueue(t)
	if _, err := h.queue.Dispatch(ctx, h.device.Token); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	payload := jpegPayload(t)
	if _, err := h.uploader.Upload(ctx, h.device.Token, cmd.ID, payload); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if _, err := h.uploader.Upload(ctx, h.device.Token, cmd.ID, payload); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("second upload must be rejected, got %v", err)
	}
	files, _ := h.dir.List()
	if len(files) != 1 {
		t.Fatalf("expected exactly one file, got %v", files)
	}
}

func TestReconcilePrunesAndAdopts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	uploaded := h.enqueue(t)
	if _, err := h.queue.Dispatch(ctx, h.device.Token); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	img, err := h.uploader.Upload(ctx, h.device.Token, uploaded.ID, jpegPayload(t))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	orphanCmd := h.enqueue(t)
	orphan := BuildFilename(time.Unix(1700000000, 0), orphanCmd.ID, "Mars", "Zenith", "", "jpg")
	junk := []string{"not-a-valid-name.jpg", "1700000000-999-Mars_Zenith.jpg", "notes.txt"}
	for _, name := range append([]string{orphan}, junk...) {
		if err := os.WriteFile(h.dir.Path(name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	report, err := h.recon.Reconcile(ctx, true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Pruned != 0 || report.Adopted != 1 || report.Skipped != 2 || report.Listed != 4 {
		t.Fatalf("unexpected first report %+v", report)
	}
	row, err := h.store.GetImageByCommand(ctx, orphanCmd.ID)
	if err != nil || row == nil || row.Name != "Mars_Zenith" || row.WebPath != "/assets/images/"+orphan {
		t.Fatalf("orphan not adopted: %+v (%v)", row, err)
	}
	if st := h.status(t, orphanCmd.ID); st != models.StatusPending {
		t.Fatalf("adoption must not change command status, got %s", st)
	}

	// Повторная сверка без изменений на диске ничего не меняет.
	before, _ := h.store.ListAllImages(ctx)
	again, err := h.recon.Reconcile(ctx, true)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if again.Pruned != 0 || again.Adopted != 0 {
		t.Fatalf("reconcile must be idempotent, got %+v", again)
	}
	after, _ := h.store.ListAllImages(ctx)
	if len(before) != len(after) {
		t.Fatalf("catalog changed: %d -> %d", len(before), len(after))
	}

	if err := os.Remove(img.Path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	pruned, err := h.recon.Reconcile(ctx, false)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned.Pruned != 1 {
		t.Fatalf("expected exactly one pruned row, got %+v", pruned)
	}
	if row, _ := h.store.GetImageByCommand(ctx, uploaded.ID); row != nil {
		t.Fatalf("stale row should be gone, got %+v", row)
	}
	if _, err := os.Stat(h.thumbs.PathFor(img.Path)); !os.IsNotExist(err) {
		t.Fatalf("thumbnail should be removed, stat err %v", err)
	}
	if row, _ := h.store.GetImageByCommand(ctx, orphanCmd.ID); row == nil {
		t.Fatalf("adopted row must survive")
	}
}

func TestReconcileNeverPrunesOnListingFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cmd := h.enqueue(t)
	if _, err := h.queue.Dispatch(ctx, h.device.Token); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := h.uploader.Upload(ctx, h.device.Token, cmd.ID, jpegPayload(t)); err != nil {
		t.Fatalf("upload: %v", err)
	}

	missing := NewReconciler(h.store, NewImageDirectory(filepath.Join(t.TempDir(), "gone"), "/assets/images", []string{"jpg"}), nil, h.rec)
	if _, err := missing.Reconcile(ctx, true); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if n, _ := h.store.CountImages(ctx); n != 1 {
		t.Fatalf("catalog must be untouched, got %d images", n)
	}
}

func TestReconcileSkipsFileOfCommandAwaitingUpload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cmd := h.enqueue(t)
	if _, err := h.queue.Dispatch(ctx, h.device.Token); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	// Файл оборвавшейся загрузки: записан на диск, в каталог не попал.
	leftover := BuildFilename(time.Unix(1700000000, 0), cmd.ID, "Mars", "Zenith", "", "jpg")
	if err := os.WriteFile(h.dir.Path(leftover), []byte("partial"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	report, err := h.recon.Reconcile(ctx, true)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Adopted != 0 || report.Skipped != 1 {
		t.Fatalf("file of a fetched command must be skipped, got %+v", report)
	}
	if row, _ := h.store.GetImageByCommand(ctx, cmd.ID); row != nil {
		t.Fatalf("no image row expected, got %+v", row)
	}

	h.uploader.now = func() time.Time { return time.Unix(1700000500, 0) }
	img, err := h.uploader.Upload(ctx, h.device.Token, cmd.ID, jpegPayload(t))
	if err != nil {
		t.Fatalf("device must be able to upload again: %v", err)
	}
	if st := h.status(t, cmd.ID); st != models.StatusComplete {
		t.Fatalf("expected complete, got %s", st)
	}

	again, err := h.recon.Reconcile(ctx, true)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if again.Adopted != 0 || again.Pruned != 0 {
		t.Fatalf("unexpected second report %+v", again)
	}
	row, _ := h.store.GetImageByCommand(ctx, cmd.ID)
	if row == nil || row.Path != img.Path {
		t.Fatalf("uploaded image must stay catalogued, got %+v", row)
	}
}

func TestReconcileDuringConcurrentUploads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	h.thumbs = nil
	h.uploader = NewUploader(h.store, h.dir, nil, h.rec, 1<<20)
	h.recon = NewReconciler(h.store, h.dir, nil, h.rec)

	const n = 40
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		cmd := h.enqueue(t)
		if _, err := h.queue.Dispatch(ctx, h.device.Token); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		ids = append(ids, cmd.ID)
	}
	payload := jpegPayload(t)

	stop := make(chan struct{})
	reconciled := make(chan struct{})
	go func() {
		defer close(reconciled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := h.recon.Reconcile(ctx, true); err != nil {
				t.Errorf("reconcile: %v", err)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if _, err := h.uploader.Upload(ctx, h.device.Token, id, payload); err != nil {
				t.Errorf("upload %d: %v", id, err)
			}
		}(id)
	}
	wg.Wait()
	close(stop)
	<-reconciled

	if _, err := h.recon.Reconcile(ctx, true); err != nil {
		t.Fatalf("final reconcile: %v", err)
	}
	for _, id := range ids {
		if st := h.status(t, id); st != models.StatusComplete {
			t.Fatalf("command %d: expected complete, got %s", id, st)
		}
		row, err := h.store.GetImageByCommand(ctx, id)
		if err != nil || row == nil {
			t.Fatalf("command %d is complete without an image (%v)", id, err)
		}
		if _, err := os.Stat(row.Path); err != nil {
			t.Fatalf("command %d: image file missing: %v", id, err)
		}
	}
}

func TestUploadWriteFailureLeavesCommandUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	cmd := h.enqueue(t)
	if _, err := h.queue.Dispatch(ctx, h.device.Token); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	gone := NewImageDirectory(filepath.Join(t.TempDir(), "gone"), "/assets/images", []string{"jpg"})
	broken := NewUploader(h.store, gone, nil, h.rec, 1<<20)
	if _, err := broken.Upload(ctx, h.device.Token, cmd.ID, jpegPayload(t)); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if st := h.status(t, cmd.ID); st != models.StatusFetched {
		t.Fatalf("status must be unchanged, got %s", st)
	}
	if n, _ := h.store.CountImages(ctx); n != 0 {
		t.Fatalf("no image row expected, got %d", n)
	}

	if _, err := h.uploader.Upload(ctx, h.device.Token, cmd.ID, jpegPayload(t)); err != nil {
		t.Fatalf("retry after failed write: %v", err)
	}
}

func TestDetectImageTypeAndDecode(t *testing.T) {
	data, err := DecodePayload("data:image/jpeg;base64,"+jpegPayload(t), 1<<20)
	if err != nil {
		t.Fatalf("decode data url: %v", err)
	}
	ext, err := DetectImageType(data)
	if err != nil || ext != "jpg" {
		t.Fatalf("expected jpg, got %q (%v)", ext, err)
	}
	if _, err := DetectImageType([]byte("GIF89a......")); err != nil {
		t.Fatalf("gif should be accepted: %v", err)
	}
	if _, err := DetectImageType([]byte("%PDF-1.4")); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("pdf must be rejected, got %v", err)
	}
	if len(NewDeviceToken()) != 36 {
		t.Fatalf("device token should be a UUID")
	}
}

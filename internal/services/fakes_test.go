package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/classsync/internal/catalog"
	"github.com/prudhvinik1/classsync/internal/models"
	"github.com/prudhvinik1/classsync/internal/repositories"
)

// fakeClock hands out strictly increasing timestamps so every write lands on
// a distinct instant.
type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Tick() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

// scopeAllows mirrors the SQL visibility predicate the real repositories
// build from the descriptor.
func scopeAllows(desc catalog.EntityDescriptor, scope models.AccessScope, schoolID, ownerID uuid.UUID, studentID *uuid.UUID, links map[uuid.UUID][]uuid.UUID) bool {
	rule, visible := desc.VisibleTo(scope.Role)
	if !visible || schoolID != scope.SchoolID {
		return false
	}
	switch rule {
	case catalog.ScopeSchool:
		return true
	case catalog.ScopeOwner:
		return ownerID == scope.UserID
	case catalog.ScopeStudentLink:
		if studentID == nil {
			return false
		}
		for _, sid := range links[scope.UserID] {
			if sid == *studentID {
				return true
			}
		}
		return false
	}
	return true
}

type fakeEntityRepo struct {
	clock *fakeClock
	// records by entity name then id.
	records map[string]map[uuid.UUID]*models.EntityRecord
	// links maps a guardian to the students they may see.
	links map[uuid.UUID][]uuid.UUID

	fetchErr error
	// afterGetScoped runs once after the next scoped read, so a test can
	// interleave a concurrent write between a read and the write that
	// follows it.
	afterGetScoped func()
}

func newFakeEntityRepo(clock *fakeClock) *fakeEntityRepo {
	return &fakeEntityRepo{
		clock:   clock,
		records: make(map[string]map[uuid.UUID]*models.EntityRecord),
		links:   make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeEntityRepo) table(name string) map[uuid.UUID]*models.EntityRecord {
	t, ok := f.records[name]
	if !ok {
		t = make(map[uuid.UUID]*models.EntityRecord)
		f.records[name] = t
	}
	return t
}

// seed inserts a record directly, bypassing the repository contract, so
// tests can arrange arbitrary server state.
func (f *fakeEntityRepo) seed(entity string, rec *models.EntityRecord) *models.EntityRecord {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = f.clock.Tick()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	f.table(entity)[rec.ID] = copyRecord(rec)
	return rec
}

func copyRecord(rec *models.EntityRecord) *models.EntityRecord {
	cp := *rec
	return &cp
}

func (f *fakeEntityRepo) FetchSince(ctx context.Context, desc catalog.EntityDescriptor, scope models.AccessScope, since time.Time) ([]*models.EntityRecord, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []*models.EntityRecord
	for _, rec := range f.table(desc.Name) {
		if rec.DeletedAt != nil {
			continue
		}
		if !rec.CreatedAt.After(since) && !rec.UpdatedAt.After(since) {
			continue
		}
		if !scopeAllows(desc, scope, rec.SchoolID, rec.OwnerID, rec.StudentID, f.links) {
			continue
		}
		out = append(out, copyRecord(rec))
	}
	return out, nil
}

func (f *fakeEntityRepo) GetByID(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID) (*models.EntityRecord, error) {
	rec, ok := f.table(desc.Name)[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return copyRecord(rec), nil
}

func (f *fakeEntityRepo) GetByIDScoped(ctx context.Context, desc catalog.EntityDescriptor, scope models.AccessScope, id uuid.UUID) (*models.EntityRecord, error) {
	rec, ok := f.table(desc.Name)[id]
	if !ok || rec.DeletedAt != nil {
		return nil, repositories.ErrNotFound
	}
	if !scopeAllows(desc, scope, rec.SchoolID, rec.OwnerID, rec.StudentID, f.links) {
		return nil, repositories.ErrNotFound
	}
	cp := copyRecord(rec)
	if f.afterGetScoped != nil {
		hook := f.afterGetScoped
		f.afterGetScoped = nil
		hook()
	}
	return cp, nil
}

func (f *fakeEntityRepo) FindByNaturalKey(ctx context.Context, desc catalog.EntityDescriptor, schoolID uuid.UUID, payload json.RawMessage) (*models.EntityRecord, error) {
	if len(desc.NaturalKey) == 0 {
		return nil, repositories.ErrNotFound
	}
	want, err := keyFields(payload, desc.NaturalKey)
	if err != nil {
		return nil, err
	}
	for _, rec := range f.table(desc.Name) {
		if rec.DeletedAt != nil || rec.SchoolID != schoolID {
			continue
		}
		got, err := keyFields(rec.Payload, desc.NaturalKey)
		if err != nil {
			continue
		}
		match := true
		for k, v := range want {
			if got[k] != v {
				match = false
				break
			}
		}
		if match {
			return copyRecord(rec), nil
		}
	}
	return nil, repositories.ErrNotFound
}

func keyFields(payload json.RawMessage, fields []string) (map[string]string, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	for _, field := range fields {
		out[field] = fmt.Sprint(doc[field])
	}
	return out, nil
}

func (f *fakeEntityRepo) Create(ctx context.Context, desc catalog.EntityDescriptor, rec *models.EntityRecord) error {
	rec.ID = uuid.New()
	rec.Version = 1
	rec.CreatedAt = f.clock.Tick()
	rec.UpdatedAt = rec.CreatedAt
	f.table(desc.Name)[rec.ID] = copyRecord(rec)
	return nil
}

func (f *fakeEntityRepo) Update(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID, payload json.RawMessage, expectedVersion int64) (*models.EntityRecord, error) {
	rec, ok := f.table(desc.Name)[id]
	if !ok || rec.DeletedAt != nil {
		return nil, repositories.ErrNotFound
	}
	if rec.Version != expectedVersion {
		return nil, repositories.ErrVersionConflict
	}
	rec.Payload = payload
	rec.Version++
	rec.UpdatedAt = f.clock.Tick()
	return copyRecord(rec), nil
}

func (f *fakeEntityRepo) Override(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID, payload json.RawMessage) (*models.EntityRecord, error) {
	rec, ok := f.table(desc.Name)[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	rec.Payload = payload
	rec.Version++
	rec.UpdatedAt = f.clock.Tick()
	return copyRecord(rec), nil
}

func (f *fakeEntityRepo) Touch(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID) error {
	rec, ok := f.table(desc.Name)[id]
	if !ok || rec.DeletedAt != nil {
		return repositories.ErrNotFound
	}
	rec.UpdatedAt = f.clock.Tick()
	return nil
}

func (f *fakeEntityRepo) MarkDeleted(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID, expectedVersion int64) (*models.EntityRecord, error) {
	rec, ok := f.table(desc.Name)[id]
	if !ok || rec.DeletedAt != nil {
		return nil, repositories.ErrNotFound
	}
	if rec.Version != expectedVersion {
		return nil, repositories.ErrVersionConflict
	}
	now := f.clock.Tick()
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	return copyRecord(rec), nil
}

func (f *fakeEntityRepo) OverrideDelete(ctx context.Context, desc catalog.EntityDescriptor, id uuid.UUID) (*models.EntityRecord, error) {
	rec, ok := f.table(desc.Name)[id]
	if !ok || rec.DeletedAt != nil {
		return nil, repositories.ErrNotFound
	}
	now := f.clock.Tick()
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	return copyRecord(rec), nil
}

type fakeTombstoneRepo struct {
	tombstones []*models.DeletionTombstone
	links      map[uuid.UUID][]uuid.UUID
}

func newFakeTombstoneRepo(entities *fakeEntityRepo) *fakeTombstoneRepo {
	return &fakeTombstoneRepo{links: entities.links}
}

func (f *fakeTombstoneRepo) Insert(ctx context.Context, ts *models.DeletionTombstone) error {
	f.tombstones = append(f.tombstones, ts)
	return nil
}

func (f *fakeTombstoneRepo) FetchSince(ctx context.Context, desc catalog.EntityDescriptor, scope models.AccessScope, since time.Time) ([]*models.DeletionTombstone, error) {
	var out []*models.DeletionTombstone
	for _, ts := range f.tombstones {
		if ts.Entity != desc.Name || !ts.DeletedAt.After(since) {
			continue
		}
		if !scopeAllows(desc, scope, ts.SchoolID, ts.OwnerID, ts.StudentID, f.links) {
			continue
		}
		out = append(out, ts)
	}
	return out, nil
}

func (f *fakeTombstoneRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var kept []*models.DeletionTombstone
	var purged int64
	for _, ts := range f.tombstones {
		if ts.DeletedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, ts)
	}
	f.tombstones = kept
	return purged, nil
}

type fakeConflictRepo struct {
	clock     *fakeClock
	conflicts map[uuid.UUID]*models.ConflictRecord
}

func newFakeConflictRepo(clock *fakeClock) *fakeConflictRepo {
	return &fakeConflictRepo{clock: clock, conflicts: make(map[uuid.UUID]*models.ConflictRecord)}
}

func (f *fakeConflictRepo) Create(ctx context.Context, c *models.ConflictRecord) error {
	c.ID = uuid.New()
	c.DetectedAt = f.clock.Tick()
	cp := *c
	f.conflicts[c.ID] = &cp
	return nil
}

func (f *fakeConflictRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ConflictRecord, error) {
	c, ok := f.conflicts[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConflictRepo) ListPendingByUser(ctx context.Context, userID uuid.UUID) ([]*models.ConflictRecord, error) {
	var out []*models.ConflictRecord
	for _, c := range f.conflicts {
		if c.UserID == userID && c.Status == models.ConflictPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeConflictRepo) MarkResolved(ctx context.Context, id uuid.UUID, resolution models.Resolution, resolvedData json.RawMessage, resolvedBy uuid.UUID) error {
	c, ok := f.conflicts[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if c.Status == models.ConflictResolved {
		return repositories.ErrAlreadyResolved
	}
	now := f.clock.Tick()
	c.Status = models.ConflictResolved
	c.Resolution = &resolution
	c.ResolvedData = resolvedData
	c.ResolvedBy = &resolvedBy
	c.ResolvedAt = &now
	return nil
}

type fakeSessionRepo struct {
	clock    *fakeClock
	sessions map[uuid.UUID]*models.SyncSession

	createErr   error
	completeErr error
}

func newFakeSessionRepo(clock *fakeClock) *fakeSessionRepo {
	return &fakeSessionRepo{clock: clock, sessions: make(map[uuid.UUID]*models.SyncSession)}
}

func (f *fakeSessionRepo) Create(ctx context.Context, s *models.SyncSession) error {
	if f.createErr != nil {
		return f.createErr
	}
	s.ID = uuid.New()
	s.Status = models.SessionInProgress
	s.StartedAt = f.clock.Tick()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessionRepo) Complete(ctx context.Context, id uuid.UUID, changes, conflicts int) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	s, ok := f.sessions[id]
	if !ok || s.Status != models.SessionInProgress {
		return repositories.ErrNotFound
	}
	now := f.clock.Tick()
	s.Status = models.SessionCompleted
	s.CompletedAt = &now
	s.ChangesCount = changes
	s.ConflictsCount = conflicts
	return nil
}

func (f *fakeSessionRepo) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	s, ok := f.sessions[id]
	if !ok || s.Status != models.SessionInProgress {
		return repositories.ErrNotFound
	}
	now := f.clock.Tick()
	s.Status = models.SessionFailed
	s.CompletedAt = &now
	s.FailureReason = &reason
	return nil
}

func (f *fakeSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

type fakeChangeLogRepo struct {
	clock    *fakeClock
	outcomes map[string]*models.ChangeOutcome

	getErr error
	// getMisses makes the next N lookups report ErrNotFound even when an
	// outcome exists, simulating a concurrent submission that has not
	// committed yet at check time.
	getMisses int
}

func newFakeChangeLogRepo(clock *fakeClock) *fakeChangeLogRepo {
	return &fakeChangeLogRepo{clock: clock, outcomes: make(map[string]*models.ChangeOutcome)}
}

func ledgerKey(userID uuid.UUID, clientChangeID string) string {
	return userID.String() + "|" + clientChangeID
}

func (f *fakeChangeLogRepo) Get(ctx context.Context, userID uuid.UUID, clientChangeID string) (*models.ChangeOutcome, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.getMisses > 0 {
		f.getMisses--
		return nil, repositories.ErrNotFound
	}
	o, ok := f.outcomes[ledgerKey(userID, clientChangeID)]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeChangeLogRepo) Record(ctx context.Context, outcome *models.ChangeOutcome) error {
	key := ledgerKey(outcome.UserID, outcome.ClientChangeID)
	// First write wins; a loser learns it lost and abandons its apply.
	if _, ok := f.outcomes[key]; ok {
		return repositories.ErrDuplicateChange
	}
	outcome.AppliedAt = f.clock.Tick()
	cp := *outcome
	f.outcomes[key] = &cp
	return nil
}

type fakePreferenceRepo struct {
	prefs map[uuid.UUID]models.Preferences
}

func newFakePreferenceRepo() *fakePreferenceRepo {
	return &fakePreferenceRepo{prefs: make(map[uuid.UUID]models.Preferences)}
}

func (f *fakePreferenceRepo) Get(ctx context.Context, userID uuid.UUID) (*models.Preferences, error) {
	p, ok := f.prefs[userID]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &p, nil
}

func (f *fakePreferenceRepo) Set(ctx context.Context, userID uuid.UUID, prefs models.Preferences) error {
	f.prefs[userID] = prefs
	return nil
}

type fakeSweepMarkerRepo struct {
	lastRun map[string]time.Time
}

func newFakeSweepMarkerRepo() *fakeSweepMarkerRepo {
	return &fakeSweepMarkerRepo{lastRun: make(map[string]time.Time)}
}

func (f *fakeSweepMarkerRepo) Acquire(ctx context.Context, name string, notAfter, now time.Time) (bool, error) {
	if last, ok := f.lastRun[name]; ok && !last.Before(notAfter) {
		return false, nil
	}
	f.lastRun[name] = now
	return true, nil
}

type fakeDeviceStateRepo struct {
	clock  *fakeClock
	states map[string]*models.DeviceSyncState

	setErr error
}

func newFakeDeviceStateRepo(clock *fakeClock) *fakeDeviceStateRepo {
	return &fakeDeviceStateRepo{clock: clock, states: make(map[string]*models.DeviceSyncState)}
}

func (f *fakeDeviceStateRepo) Set(ctx context.Context, st *models.DeviceSyncState) error {
	if f.setErr != nil {
		return f.setErr
	}
	st.LastSync = f.clock.Tick()
	cp := *st
	f.states[st.UserID.String()+"|"+st.DeviceID.String()] = &cp
	return nil
}

func (f *fakeDeviceStateRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.DeviceSyncState, error) {
	var out []*models.DeviceSyncState
	for _, st := range f.states {
		if st.UserID == userID {
			cp := *st
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeNotifier struct {
	resolved []uuid.UUID
}

func (f *fakeNotifier) ConflictResolved(ctx context.Context, c *models.ConflictRecord) {
	f.resolved = append(f.resolved, c.ID)
}

// fakeUnitOfWork hands back the shared fakes as the transaction view and
// restores their state when fn fails, mirroring a rollback.
type fakeUnitOfWork struct {
	entities   *fakeEntityRepo
	tombstones *fakeTombstoneRepo
	conflicts  *fakeConflictRepo
	changeLog  *fakeChangeLogRepo
	doErr      error
}

func (f *fakeUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, r *repositories.TxRepos) error) error {
	if f.doErr != nil {
		return f.doErr
	}

	records := make(map[string]map[uuid.UUID]*models.EntityRecord, len(f.entities.records))
	for name, table := range f.entities.records {
		cp := make(map[uuid.UUID]*models.EntityRecord, len(table))
		for id, rec := range table {
			cp[id] = copyRecord(rec)
		}
		records[name] = cp
	}
	tombstones := append([]*models.DeletionTombstone(nil), f.tombstones.tombstones...)
	conflicts := make(map[uuid.UUID]*models.ConflictRecord, len(f.conflicts.conflicts))
	for id, c := range f.conflicts.conflicts {
		cp := *c
		conflicts[id] = &cp
	}
	outcomes := make(map[string]*models.ChangeOutcome, len(f.changeLog.outcomes))
	for key, o := range f.changeLog.outcomes {
		cp := *o
		outcomes[key] = &cp
	}

	err := fn(ctx, &repositories.TxRepos{
		Entities:   f.entities,
		Tombstones: f.tombstones,
		Conflicts:  f.conflicts,
		ChangeLog:  f.changeLog,
	})
	if err != nil {
		f.entities.records = records
		f.tombstones.tombstones = tombstones
		f.conflicts.conflicts = conflicts
		f.changeLog.outcomes = outcomes
	}
	return err
}

// fixture wires every fake behind the real services.
type fixture struct {
	clock      *fakeClock
	entities   *fakeEntityRepo
	tombstones *fakeTombstoneRepo
	conflicts  *fakeConflictRepo
	sessions   *fakeSessionRepo
	changeLog  *fakeChangeLogRepo
	prefs      *fakePreferenceRepo
	markers    *fakeSweepMarkerRepo
	devices    *fakeDeviceStateRepo
	notifier   *fakeNotifier
	uow        *fakeUnitOfWork
	tracker    *SessionTracker
	logger     *slog.Logger
}

func newFixture() *fixture {
	clock := newFakeClock()
	entities := newFakeEntityRepo(clock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		clock:      clock,
		entities:   entities,
		tombstones: newFakeTombstoneRepo(entities),
		conflicts:  newFakeConflictRepo(clock),
		sessions:   newFakeSessionRepo(clock),
		changeLog:  newFakeChangeLogRepo(clock),
		prefs:      newFakePreferenceRepo(),
		markers:    newFakeSweepMarkerRepo(),
		devices:    newFakeDeviceStateRepo(clock),
		notifier:   &fakeNotifier{},
		logger:     logger,
	}
	f.uow = &fakeUnitOfWork{
		entities:   f.entities,
		tombstones: f.tombstones,
		conflicts:  f.conflicts,
		changeLog:  f.changeLog,
	}
	f.tracker = NewSessionTracker(f.sessions, logger)
	return f
}

func (f *fixture) deltaService() *DeltaService {
	s := NewDeltaService(f.entities, f.tombstones, f.conflicts, f.devices, f.tracker, f.logger)
	s.now = f.clock.Now
	return s
}

func (f *fixture) batchService(maxBatch int) *BatchService {
	return NewBatchService(f.uow, f.changeLog, f.conflicts, f.devices, f.tracker, f.logger, maxBatch)
}

func (f *fixture) conflictService() *ConflictService {
	return NewConflictService(f.entities, f.tombstones, f.conflicts, f.notifier, f.logger)
}

func (f *fixture) configService() *ConfigService {
	return NewConfigService(f.prefs, f.devices, f.logger)
}

func (f *fixture) sweepService(retention, interval time.Duration) *SweepService {
	s := NewSweepService(f.markers, f.tombstones, retention, interval, f.logger)
	s.now = f.clock.Now
	return s
}

func teacherScope() models.AccessScope {
	return models.AccessScope{UserID: uuid.New(), SchoolID: uuid.New(), Role: models.RoleTeacher}
}

func mustLookup(t *testing.T, name string) catalog.EntityDescriptor {
	t.Helper()
	desc, err := catalog.Lookup(name)
	if err != nil {
		t.Fatalf("lookup %s: %v", name, err)
	}
	return desc
}

func mustJSON(doc map[string]any) json.RawMessage {
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return raw
}

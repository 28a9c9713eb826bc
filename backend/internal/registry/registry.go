// Package `registry` is the single source of truth for archive metadata and
// transfer state.  All reads and writes go through one `Registry` lock.
// Components must not cache archive state across operations; they re-read at
// the point of decision.
package registry

import (
	"encoding/json"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/worldbak/worldbak/backend/pkg/ulid"
	"github.com/worldbak/worldbak/backend/pkg/uuid"
)

var ErrUnknownArchive = errors.New("unknown archive")
var ErrUnknownJob = errors.New("unknown transfer job")
var ErrDuplicateArchive = errors.New("duplicate archive")

// `ErrIntegrityFinal` indicates an attempt to change an integrity status that
// has already reached `IntegrityValid` or `IntegrityCorrupt`.  Integrity is
// monotonic: `unverified -> {valid | corrupt}`, never reversed.
var ErrIntegrityFinal = errors.New("integrity status is final")

type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
	TierManual  Tier = "manual"
)

type IntegrityStatus string

const (
	IntegrityUnverified IntegrityStatus = "unverified"
	IntegrityValid      IntegrityStatus = "valid"
	IntegrityCorrupt    IntegrityStatus = "corrupt"
)

type RemoteStatus string

const (
	RemoteAbsent    RemoteStatus = "absent"
	RemoteUploading RemoteStatus = "uploading"
	RemoteSynced    RemoteStatus = "synced"
	RemoteFailed    RemoteStatus = "failed"
)

type Consistency string

const (
	ConsistencyClean    Consistency = "clean"
	ConsistencyDegraded Consistency = "degraded"
)

type Archive struct {
	Id          ulid.I          `json:"id"`
	CreatedAt   time.Time       `json:"createdAt"`
	Tier        Tier            `json:"tier"`
	SizeBytes   int64           `json:"sizeBytes"`
	NFiles      int             `json:"nFiles"`
	Aggregate   string          `json:"aggregateSha256"`
	Integrity   IntegrityStatus `json:"integrityStatus"`
	Remote      RemoteStatus    `json:"remoteStatus"`
	Consistency Consistency     `json:"consistency"`
}

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

type JobState string

const (
	JobQueued     JobState = "queued"
	JobInProgress JobState = "in-progress"
	JobRetrying   JobState = "retrying"
	JobDone       JobState = "done"
	JobFailed     JobState = "failed"
)

// `TransferJob.PartsDone` is the resumable-transfer checkpoint: the number of
// consecutive parts that have been fully transferred.  A retry resumes from
// part `PartsDone`, not from the beginning of the artifact.
type TransferJob struct {
	Id           uuid.I    `json:"id"`
	ArchiveId    ulid.I    `json:"archiveId"`
	Direction    Direction `json:"direction"`
	State        JobState  `json:"state"`
	AttemptCount int       `json:"attemptCount"`
	LastError    string    `json:"lastError,omitempty"`
	PartsDone    int       `json:"partsDone"`
	PartSize     int64     `json:"partSize"`
}

type state struct {
	Archives []Archive     `json:"archives"`
	Jobs     []TransferJob `json:"jobs"`
}

// `Registry` persists its state as a JSON file next to the archive store,
// written with tempfile-and-rename after every mutation.
type Registry struct {
	mu       sync.Mutex
	path     string
	archives map[ulid.I]*Archive
	jobs     map[uuid.I]*TransferJob
}

// `Load()` opens the registry state file, creating an empty registry if the
// file does not exist.  Jobs that were `in-progress` during the previous run
// are demoted to `retrying`, so that no transfer is silently lost across a
// restart.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path:     path,
		archives: make(map[ulid.I]*Archive),
		jobs:     make(map[uuid.I]*TransferJob),
	}

	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	} else if err != nil {
		return nil, err
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	for i := range st.Archives {
		a := st.Archives[i]
		r.archives[a.Id] = &a
	}
	for i := range st.Jobs {
		j := st.Jobs[i]
		if j.State == JobInProgress {
			j.State = JobRetrying
		}
		r.jobs[j.Id] = &j
	}

	return r, nil
}

func (r *Registry) saveLocked() error {
	st := state{
		Archives: make([]Archive, 0, len(r.archives)),
		Jobs:     make([]TransferJob, 0, len(r.jobs)),
	}
	for _, a := range r.archives {
		st.Archives = append(st.Archives, *a)
	}
	sort.Slice(st.Archives, func(i, k int) bool {
		return st.Archives[i].Id.Compare(st.Archives[k].Id) < 0
	})
	for _, j := range r.jobs {
		st.Jobs = append(st.Jobs, *j)
	}
	sort.Slice(st.Jobs, func(i, k int) bool {
		return st.Jobs[i].Id.String() < st.Jobs[k].Id.String()
	})

	data, err := json.MarshalIndent(&st, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.path)
	tmp, err := ioutil.TempFile(dir, ".registry.tmp.")
	if err != nil {
		return err
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return err
	}
	tmp = nil

	return nil
}

func (r *Registry) AddArchive(a Archive) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.archives[a.Id]; ok {
		return ErrDuplicateArchive
	}
	cp := a
	r.archives[a.Id] = &cp
	return r.saveLocked()
}

func (r *Registry) RemoveArchive(id ulid.I) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.archives[id]; !ok {
		return ErrUnknownArchive
	}
	delete(r.archives, id)
	return r.saveLocked()
}

func (r *Registry) GetArchive(id ulid.I) (Archive, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.archives[id]
	if !ok {
		return Archive{}, ErrUnknownArchive
	}
	return *a, nil
}

// `Archives()` returns copies, sorted by id, which is creation order, because
// ids are ULIDs.
func (r *Registry) Archives() []Archive {
	r.mu.Lock()
	defer r.mu.Unlock()
	as := make([]Archive, 0, len(r.archives))
	for _, a := range r.archives {
		as = append(as, *a)
	}
	sort.Slice(as, func(i, k int) bool {
		return as[i].Id.Compare(as[k].Id) < 0
	})
	return as
}

// `SetIntegrity()` applies the monotonic integrity transition.  Setting the
// same final status again is allowed, because verify is idempotent.
func (r *Registry) SetIntegrity(id ulid.I, s IntegrityStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.archives[id]
	if !ok {
		return ErrUnknownArchive
	}
	if a.Integrity != IntegrityUnverified && a.Integrity != s {
		return ErrIntegrityFinal
	}
	a.Integrity = s
	return r.saveLocked()
}

func (r *Registry) SetRemote(id ulid.I, s RemoteStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.archives[id]
	if !ok {
		return ErrUnknownArchive
	}
	a.Remote = s
	return r.saveLocked()
}

func (r *Registry) AddJob(j TransferJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := j
	r.jobs[j.Id] = &cp
	return r.saveLocked()
}

func (r *Registry) GetJob(id uuid.I) (TransferJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return TransferJob{}, ErrUnknownJob
	}
	return *j, nil
}

// `UpdateJob()` applies `fn` to the job under the registry lock and persists
// the result.
func (r *Registry) UpdateJob(id uuid.I, fn func(*TransferJob)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrUnknownJob
	}
	fn(j)
	return r.saveLocked()
}

func (r *Registry) RemoveJob(id uuid.I) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrUnknownJob
	}
	delete(r.jobs, id)
	return r.saveLocked()
}

func (r *Registry) Jobs() []TransferJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	js := make([]TransferJob, 0, len(r.jobs))
	for _, j := range r.jobs {
		js = append(js, *j)
	}
	sort.Slice(js, func(i, k int) bool {
		return js[i].Id.String() < js[k].Id.String()
	})
	return js
}

// Package emulator is an in-memory implementation of cloud.GCP and
// cloud.Azure. The server runs against it in "emulator" cloud mode, and tests
// use it to inject provider failures.
package emulator

import (
	"fmt"
	"sync"

	"github.com/nuclearlighters/workspace-manager/internal/cloud"
)

var (
	_ cloud.GCP   = (*Emulator)(nil)
	_ cloud.Azure = (*Emulator)(nil)
)

// Options tune how long simulated long-running work takes, counted in polls.
type Options struct {
	// TransferStartPolls is how many GetTransferJob calls report no
	// operation yet. Negative means the operation never starts.
	TransferStartPolls int

	// TransferDonePolls is how many GetTransferOperation calls report the
	// operation still running. Negative means it never finishes.
	TransferDonePolls int

	// TransferError, when set, is reported by every finished operation.
	TransferError string
}

type injected struct {
	err       error
	remaining int
}

type transferState struct {
	job       cloud.TransferJob
	jobPolls  int
	opPolls   int
	completed bool
}

type azureAccount struct {
	account    cloud.StorageAccount
	containers map[string]*azureContainer
}

type azureContainer struct {
	container cloud.BlobContainer
	blobs     map[string][]byte
}

// Emulator holds every simulated cloud object. It is safe for concurrent use.
type Emulator struct {
	mu   sync.Mutex
	opts Options

	faults map[string]*injected
	calls  map[string]int

	projects  map[string]*cloud.Project // by project ID
	handouts  map[string]string         // handout ID -> project ID
	roles     map[string]map[string]cloud.CustomRole
	bindings  map[string][]cloud.RoleBinding
	buckets   map[string]*bucketState
	datasets  map[string]*cloud.Dataset // project/dataset
	notebooks map[string]*cloud.NotebookInstance
	transfers map[string]*transferState // job name
	ops       map[string]string         // operation name -> job name

	resourceGroups map[string]cloud.AzureTarget
	accounts       map[string]*azureAccount // account name (global namespace)
	reservedNames  map[string]bool
}

type bucketState struct {
	bucket  cloud.Bucket
	objects map[string][]byte
}

// New returns an empty emulator.
func New(opts Options) *Emulator {
	return &Emulator{
		opts:           opts,
		faults:         make(map[string]*injected),
		calls:          make(map[string]int),
		projects:       make(map[string]*cloud.Project),
		handouts:       make(map[string]string),
		roles:          make(map[string]map[string]cloud.CustomRole),
		bindings:       make(map[string][]cloud.RoleBinding),
		buckets:        make(map[string]*bucketState),
		datasets:       make(map[string]*cloud.Dataset),
		notebooks:      make(map[string]*cloud.NotebookInstance),
		transfers:      make(map[string]*transferState),
		ops:            make(map[string]string),
		resourceGroups: make(map[string]cloud.AzureTarget),
		accounts:       make(map[string]*azureAccount),
		reservedNames:  make(map[string]bool),
	}
}

// SetOptions replaces the long-running work options.
func (e *Emulator) SetOptions(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = opts
}

// FailNext makes the next times calls of method return err. Method is the
// interface method name, for example "CreateBucket".
func (e *Emulator) FailNext(method string, err error, times int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[method] = &injected{err: err, remaining: times}
}

// Calls returns how many times method was called.
func (e *Emulator) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

// enter counts a call and returns any injected failure. Caller holds e.mu.
func (e *Emulator) enter(method string) error {
	e.calls[method]++
	f, ok := e.faults[method]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

func datasetKey(projectID, datasetID string) string {
	return projectID + "/" + datasetID
}

func notebookKey(projectID, location, instanceID string) string {
	return fmt.Sprintf("%s/%s/%s", projectID, location, instanceID)
}

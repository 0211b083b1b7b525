package emulator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nuclearlighters/workspace-manager/internal/cloud"
)

// =============================================================================
// Projects and billing
// =============================================================================

func (e *Emulator) HandoutProject(ctx context.Context, handoutID, projectID string) (*cloud.Project, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("HandoutProject"); err != nil {
		return nil, err
	}
	if existing, ok := e.handouts[handoutID]; ok {
		p := *e.projects[existing]
		return &p, nil
	}
	if _, taken := e.projects[projectID]; taken {
		return nil, cloud.AlreadyExists("project %s", projectID)
	}
	p := &cloud.Project{ProjectID: projectID, HandoutID: handoutID}
	e.projects[projectID] = p
	e.handouts[handoutID] = projectID
	out := *p
	return &out, nil
}

func (e *Emulator) GetProject(ctx context.Context, projectID string) (*cloud.Project, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetProject"); err != nil {
		return nil, err
	}
	p, ok := e.projects[projectID]
	if !ok {
		return nil, cloud.NotFound("project %s", projectID)
	}
	out := *p
	return &out, nil
}

func (e *Emulator) DeleteProject(ctx context.Context, projectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("DeleteProject"); err != nil {
		return err
	}
	p, ok := e.projects[projectID]
	if !ok {
		return cloud.NotFound("project %s", projectID)
	}
	delete(e.handouts, p.HandoutID)
	delete(e.projects, projectID)
	delete(e.roles, projectID)
	delete(e.bindings, projectID)
	for name, b := range e.buckets {
		if b.bucket.ProjectID == projectID {
			delete(e.buckets, name)
		}
	}
	for key, d := range e.datasets {
		if d.ProjectID == projectID {
			delete(e.datasets, key)
		}
	}
	for key, n := range e.notebooks {
		if n.ProjectID == projectID {
			delete(e.notebooks, key)
		}
	}
	return nil
}

func (e *Emulator) SetBillingAccount(ctx context.Context, projectID, billingAccount string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("SetBillingAccount"); err != nil {
		return err
	}
	p, ok := e.projects[projectID]
	if !ok {
		return cloud.NotFound("project %s", projectID)
	}
	p.BillingAccount = billingAccount
	return nil
}

// =============================================================================
// IAM
// =============================================================================

func (e *Emulator) CreateCustomRole(ctx context.Context, projectID string, role cloud.CustomRole) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateCustomRole"); err != nil {
		return err
	}
	if _, ok := e.projects[projectID]; !ok {
		return cloud.NotFound("project %s", projectID)
	}
	if e.roles[projectID] == nil {
		e.roles[projectID] = make(map[string]cloud.CustomRole)
	}
	if _, ok := e.roles[projectID][role.Name]; ok {
		return cloud.AlreadyExists("role %s in project %s", role.Name, projectID)
	}
	e.roles[projectID][role.Name] = role
	return nil
}

// CustomRoles returns the names of a project's custom roles, sorted.
func (e *Emulator) CustomRoles(projectID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for name := range e.roles[projectID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Emulator) AddRoleBindings(ctx context.Context, projectID string, bindings []cloud.RoleBinding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("AddRoleBindings"); err != nil {
		return err
	}
	if _, ok := e.projects[projectID]; !ok {
		return cloud.NotFound("project %s", projectID)
	}
	for _, b := range bindings {
		if !containsBinding(e.bindings[projectID], b) {
			e.bindings[projectID] = append(e.bindings[projectID], b)
		}
	}
	return nil
}

func (e *Emulator) RemoveRoleBindings(ctx context.Context, projectID string, bindings []cloud.RoleBinding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("RemoveRoleBindings"); err != nil {
		return err
	}
	if _, ok := e.projects[projectID]; !ok {
		return cloud.NotFound("project %s", projectID)
	}
	kept := e.bindings[projectID][:0]
	for _, b := range e.bindings[projectID] {
		if !containsBinding(bindings, b) {
			kept = append(kept, b)
		}
	}
	e.bindings[projectID] = kept
	return nil
}

func (e *Emulator) GetRoleBindings(ctx context.Context, projectID string) ([]cloud.RoleBinding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetRoleBindings"); err != nil {
		return nil, err
	}
	if _, ok := e.projects[projectID]; !ok {
		return nil, cloud.NotFound("project %s", projectID)
	}
	return append([]cloud.RoleBinding(nil), e.bindings[projectID]...), nil
}

func containsBinding(list []cloud.RoleBinding, b cloud.RoleBinding) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

// =============================================================================
// Storage
// =============================================================================

func (e *Emulator) CreateBucket(ctx context.Context, b cloud.Bucket) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateBucket"); err != nil {
		return err
	}
	if _, ok := e.projects[b.ProjectID]; !ok {
		return cloud.NotFound("project %s", b.ProjectID)
	}
	if _, ok := e.buckets[b.Name]; ok {
		return cloud.AlreadyExists("bucket %s", b.Name)
	}
	e.buckets[b.Name] = &bucketState{bucket: b, objects: make(map[string][]byte)}
	return nil
}

func (e *Emulator) GetBucket(ctx context.Context, name string) (*cloud.Bucket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetBucket"); err != nil {
		return nil, err
	}
	b, ok := e.buckets[name]
	if !ok {
		return nil, cloud.NotFound("bucket %s", name)
	}
	out := b.bucket
	return &out, nil
}

func (e *Emulator) UpdateBucketStorageClass(ctx context.Context, name, storageClass string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("UpdateBucketStorageClass"); err != nil {
		return err
	}
	b, ok := e.buckets[name]
	if !ok {
		return cloud.NotFound("bucket %s", name)
	}
	b.bucket.StorageClass = storageClass
	return nil
}

func (e *Emulator) DeleteBucket(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("DeleteBucket"); err != nil {
		return err
	}
	if _, ok := e.buckets[name]; !ok {
		return cloud.NotFound("bucket %s", name)
	}
	delete(e.buckets, name)
	return nil
}

// PutObject stores an object in a bucket.
func (e *Emulator) PutObject(bucket, object string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buckets[bucket]
	if !ok {
		return cloud.NotFound("bucket %s", bucket)
	}
	b.objects[object] = append([]byte(nil), data...)
	return nil
}

// Objects returns the object names in a bucket, sorted.
func (e *Emulator) Objects(bucket string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buckets[bucket]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(b.objects))
	for name := range b.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// BigQuery
// =============================================================================

func (e *Emulator) CreateDataset(ctx context.Context, d cloud.Dataset) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateDataset"); err != nil {
		return err
	}
	if _, ok := e.projects[d.ProjectID]; !ok {
		return cloud.NotFound("project %s", d.ProjectID)
	}
	key := datasetKey(d.ProjectID, d.DatasetID)
	if _, ok := e.datasets[key]; ok {
		return cloud.AlreadyExists("dataset %s", key)
	}
	d.Tables = append([]string(nil), d.Tables...)
	e.datasets[key] = &d
	return nil
}

func (e *Emulator) GetDataset(ctx context.Context, projectID, datasetID string) (*cloud.Dataset, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetDataset"); err != nil {
		return nil, err
	}
	d, ok := e.datasets[datasetKey(projectID, datasetID)]
	if !ok {
		return nil, cloud.NotFound("dataset %s.%s", projectID, datasetID)
	}
	out := *d
	out.Tables = append([]string(nil), d.Tables...)
	return &out, nil
}

func (e *Emulator) UpdateDefaultTableLifetime(ctx context.Context, projectID, datasetID string, seconds int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("UpdateDefaultTableLifetime"); err != nil {
		return err
	}
	d, ok := e.datasets[datasetKey(projectID, datasetID)]
	if !ok {
		return cloud.NotFound("dataset %s.%s", projectID, datasetID)
	}
	d.DefaultTableLifetime = seconds
	return nil
}

func (e *Emulator) DeleteDataset(ctx context.Context, projectID, datasetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("DeleteDataset"); err != nil {
		return err
	}
	key := datasetKey(projectID, datasetID)
	if _, ok := e.datasets[key]; !ok {
		return cloud.NotFound("dataset %s.%s", projectID, datasetID)
	}
	delete(e.datasets, key)
	return nil
}

func (e *Emulator) CopyTables(ctx context.Context, srcProject, srcDataset, dstProject, dstDataset string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CopyTables"); err != nil {
		return err
	}
	src, ok := e.datasets[datasetKey(srcProject, srcDataset)]
	if !ok {
		return cloud.NotFound("dataset %s.%s", srcProject, srcDataset)
	}
	dst, ok := e.datasets[datasetKey(dstProject, dstDataset)]
	if !ok {
		return cloud.NotFound("dataset %s.%s", dstProject, dstDataset)
	}
	for _, t := range src.Tables {
		if !contains(dst.Tables, t) {
			dst.Tables = append(dst.Tables, t)
		}
	}
	sort.Strings(dst.Tables)
	return nil
}

// =============================================================================
// Notebooks and compute
// =============================================================================

func (e *Emulator) CreateInstance(ctx context.Context, n cloud.NotebookInstance) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateInstance"); err != nil {
		return err
	}
	if _, ok := e.projects[n.ProjectID]; !ok {
		return cloud.NotFound("project %s", n.ProjectID)
	}
	key := notebookKey(n.ProjectID, n.Location, n.InstanceID)
	if _, ok := e.notebooks[key]; ok {
		return cloud.AlreadyExists("notebook instance %s", key)
	}
	e.notebooks[key] = &n
	return nil
}

func (e *Emulator) GetInstance(ctx context.Context, projectID, location, instanceID string) (*cloud.NotebookInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetInstance"); err != nil {
		return nil, err
	}
	n, ok := e.notebooks[notebookKey(projectID, location, instanceID)]
	if !ok {
		return nil, cloud.NotFound("notebook instance %s", instanceID)
	}
	out := *n
	return &out, nil
}

func (e *Emulator) DeleteInstance(ctx context.Context, projectID, location, instanceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("DeleteInstance"); err != nil {
		return err
	}
	key := notebookKey(projectID, location, instanceID)
	if _, ok := e.notebooks[key]; !ok {
		return cloud.NotFound("notebook instance %s", instanceID)
	}
	delete(e.notebooks, key)
	return nil
}

func (e *Emulator) GetDefaultNetwork(ctx context.Context, projectID, location string) (*cloud.Network, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetDefaultNetwork"); err != nil {
		return nil, err
	}
	if _, ok := e.projects[projectID]; !ok {
		return nil, cloud.NotFound("project %s", projectID)
	}
	region := regionOf(location)
	return &cloud.Network{
		Network:    fmt.Sprintf("projects/%s/global/networks/network", projectID),
		Subnetwork: fmt.Sprintf("projects/%s/regions/%s/subnetworks/subnetwork", projectID, region),
	}, nil
}

// regionOf trims a zone suffix: "us-central1-a" is in "us-central1".
func regionOf(location string) string {
	dashes := 0
	for i, c := range location {
		if c == '-' {
			dashes++
			if dashes == 2 {
				return location[:i]
			}
		}
	}
	return location
}

// =============================================================================
// Storage transfer
// =============================================================================

func (e *Emulator) CreateTransferJob(ctx context.Context, job cloud.TransferJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateTransferJob"); err != nil {
		return err
	}
	if _, ok := e.transfers[job.Name]; ok {
		return cloud.AlreadyExists("transfer job %s", job.Name)
	}
	if _, ok := e.buckets[job.SourceBucket]; !ok {
		return cloud.NotFound("bucket %s", job.SourceBucket)
	}
	if _, ok := e.buckets[job.DestinationBucket]; !ok {
		return cloud.NotFound("bucket %s", job.DestinationBucket)
	}
	job.LatestOperationName = ""
	e.transfers[job.Name] = &transferState{job: job}
	return nil
}

func (e *Emulator) GetTransferJob(ctx context.Context, name string) (*cloud.TransferJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetTransferJob"); err != nil {
		return nil, err
	}
	t, ok := e.transfers[name]
	if !ok {
		return nil, cloud.NotFound("transfer job %s", name)
	}
	if t.job.LatestOperationName == "" && e.opts.TransferStartPolls >= 0 {
		if t.jobPolls >= e.opts.TransferStartPolls {
			t.job.LatestOperationName = "transferOperations/" + strings.TrimPrefix(name, "transferJobs/") + "-1"
			e.ops[t.job.LatestOperationName] = name
		}
		t.jobPolls++
	}
	out := t.job
	return &out, nil
}

func (e *Emulator) GetTransferOperation(ctx context.Context, name string) (*cloud.TransferOperation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetTransferOperation"); err != nil {
		return nil, err
	}
	jobName, ok := e.ops[name]
	if !ok {
		return nil, cloud.NotFound("transfer operation %s", name)
	}
	t := e.transfers[jobName]
	op := &cloud.TransferOperation{Name: name}
	if t == nil {
		// The job was deleted after the operation ran
		op.Done = true
		return op, nil
	}
	if e.opts.TransferDonePolls < 0 || t.opPolls < e.opts.TransferDonePolls {
		t.opPolls++
		return op, nil
	}
	op.Done = true
	op.Error = e.opts.TransferError
	if !t.completed && op.Error == "" {
		src, dst := e.buckets[t.job.SourceBucket], e.buckets[t.job.DestinationBucket]
		if src != nil && dst != nil {
			for k, v := range src.objects {
				dst.objects[k] = append([]byte(nil), v...)
			}
		}
	}
	t.completed = true
	return op, nil
}

func (e *Emulator) DeleteTransferJob(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("DeleteTransferJob"); err != nil {
		return err
	}
	if _, ok := e.transfers[name]; !ok {
		return cloud.NotFound("transfer job %s", name)
	}
	delete(e.transfers, name)
	return nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

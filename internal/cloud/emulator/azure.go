package emulator

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/nuclearlighters/workspace-manager/internal/cloud"
)

const armBase = "https://management.azure.com"

func accountURL(rg, account string) string {
	return fmt.Sprintf("%s/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s", armBase, rg, account)
}

func containerURL(rg, account, container string) string {
	return accountURL(rg, account) + "/blobServices/default/containers/" + container
}

// AddResourceGroup registers a managed resource group that contexts may use.
func (e *Emulator) AddResourceGroup(target cloud.AzureTarget) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resourceGroups[target.ResourceGroupID] = target
}

// ReserveAccountName marks a storage account name as taken outside of any
// known resource group.
func (e *Emulator) ReserveAccountName(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reservedNames[name] = true
}

// PutBlob stores a blob in a container.
func (e *Emulator) PutBlob(account, container, blob string, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[account]
	if !ok {
		return fmt.Errorf("storage account %s not found", account)
	}
	c, ok := a.containers[container]
	if !ok {
		return fmt.Errorf("container %s not found", container)
	}
	c.blobs[blob] = append([]byte(nil), data...)
	return nil
}

func (e *Emulator) CheckResourceGroup(ctx context.Context, target cloud.AzureTarget) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CheckResourceGroup"); err != nil {
		return err
	}
	rg, ok := e.resourceGroups[target.ResourceGroupID]
	url := fmt.Sprintf("%s/subscriptions/%s/resourceGroups/%s", armBase, target.SubscriptionID, target.ResourceGroupID)
	if !ok {
		return cloud.NewAzureError(http.MethodGet, url, http.StatusNotFound, "ResourceGroupNotFound",
			fmt.Sprintf("Resource group '%s' could not be found.", target.ResourceGroupID))
	}
	if rg.TenantID != target.TenantID || rg.SubscriptionID != target.SubscriptionID {
		return cloud.NewAzureError(http.MethodGet, url, http.StatusForbidden, "AuthorizationFailed",
			fmt.Sprintf("The client does not have access to resource group '%s'.", target.ResourceGroupID))
	}
	return nil
}

func (e *Emulator) GetStorageAccount(ctx context.Context, resourceGroup, name string) (*cloud.StorageAccount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetStorageAccount"); err != nil {
		return nil, err
	}
	a, ok := e.accounts[name]
	if !ok || a.account.ResourceGroup != resourceGroup {
		return nil, cloud.NewAzureError(http.MethodGet, accountURL(resourceGroup, name), http.StatusNotFound,
			"ResourceNotFound", fmt.Sprintf("The Resource 'Microsoft.Storage/storageAccounts/%s' was not found.", name))
	}
	out := a.account
	return &out, nil
}

func (e *Emulator) CheckNameAvailability(ctx context.Context, name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CheckNameAvailability"); err != nil {
		return false, err
	}
	_, used := e.accounts[name]
	return !used && !e.reservedNames[name], nil
}

func (e *Emulator) CreateStorageAccount(ctx context.Context, resourceGroup, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateStorageAccount"); err != nil {
		return err
	}
	if _, ok := e.resourceGroups[resourceGroup]; !ok {
		return cloud.NewAzureError(http.MethodPut, accountURL(resourceGroup, name), http.StatusNotFound,
			"ResourceGroupNotFound", fmt.Sprintf("Resource group '%s' could not be found.", resourceGroup))
	}
	if _, ok := e.accounts[name]; ok || e.reservedNames[name] {
		return cloud.NewAzureError(http.MethodPut, accountURL(resourceGroup, name), http.StatusConflict,
			"StorageAccountAlreadyTaken", fmt.Sprintf("The storage account named %s is already taken.", name))
	}
	e.accounts[name] = &azureAccount{
		account:    cloud.StorageAccount{Name: name, ResourceGroup: resourceGroup, Location: "eastus"},
		containers: make(map[string]*azureContainer),
	}
	return nil
}

func (e *Emulator) DeleteStorageAccount(ctx context.Context, resourceGroup, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("DeleteStorageAccount"); err != nil {
		return err
	}
	a, ok := e.accounts[name]
	if !ok || a.account.ResourceGroup != resourceGroup {
		return cloud.NewAzureError(http.MethodDelete, accountURL(resourceGroup, name), http.StatusNotFound,
			"ResourceNotFound", fmt.Sprintf("The Resource 'Microsoft.Storage/storageAccounts/%s' was not found.", name))
	}
	delete(e.accounts, name)
	return nil
}

func (e *Emulator) lookupAccount(method, rg, account string) (*azureAccount, error) {
	a, ok := e.accounts[account]
	if !ok || a.account.ResourceGroup != rg {
		return nil, cloud.NewAzureError(method, accountURL(rg, account), http.StatusNotFound,
			"ResourceNotFound", fmt.Sprintf("The Resource 'Microsoft.Storage/storageAccounts/%s' was not found.", account))
	}
	return a, nil
}

func containerNotFound(method, rg, account, container string) error {
	return cloud.NewAzureError(method, containerURL(rg, account, container), http.StatusNotFound,
		"ContainerNotFound", "The specified container does not exist.")
}

func (e *Emulator) GetContainer(ctx context.Context, resourceGroup, account, container string) (*cloud.BlobContainer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetContainer"); err != nil {
		return nil, err
	}
	a, err := e.lookupAccount(http.MethodGet, resourceGroup, account)
	if err != nil {
		return nil, err
	}
	c, ok := a.containers[container]
	if !ok {
		return nil, containerNotFound(http.MethodGet, resourceGroup, account, container)
	}
	out := c.container
	return &out, nil
}

func (e *Emulator) CreateContainer(ctx context.Context, resourceGroup, account, container string, access cloud.PublicAccess) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CreateContainer"); err != nil {
		return err
	}
	a, err := e.lookupAccount(http.MethodPut, resourceGroup, account)
	if err != nil {
		return err
	}
	if _, ok := a.containers[container]; ok {
		return cloud.NewAzureError(http.MethodPut, containerURL(resourceGroup, account, container), http.StatusConflict,
			"ContainerAlreadyExists", "The specified container already exists.")
	}
	a.containers[container] = &azureContainer{
		container: cloud.BlobContainer{Name: container, Account: account, PublicAccess: access},
		blobs:     make(map[string][]byte),
	}
	return nil
}

func (e *Emulator) DeleteContainer(ctx context.Context, resourceGroup, account, container string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("DeleteContainer"); err != nil {
		return err
	}
	a, err := e.lookupAccount(http.MethodDelete, resourceGroup, account)
	if err != nil {
		return err
	}
	if _, ok := a.containers[container]; !ok {
		return containerNotFound(http.MethodDelete, resourceGroup, account, container)
	}
	delete(a.containers, container)
	return nil
}

func (e *Emulator) ListContainers(ctx context.Context, resourceGroup, account string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ListContainers"); err != nil {
		return nil, err
	}
	a, err := e.lookupAccount(http.MethodGet, resourceGroup, account)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(a.containers))
	for name := range a.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (e *Emulator) ListBlobs(ctx context.Context, resourceGroup, account, container string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ListBlobs"); err != nil {
		return nil, err
	}
	a, err := e.lookupAccount(http.MethodGet, resourceGroup, account)
	if err != nil {
		return nil, err
	}
	c, ok := a.containers[container]
	if !ok {
		return nil, containerNotFound(http.MethodGet, resourceGroup, account, container)
	}
	names := make([]string, 0, len(c.blobs))
	for name := range c.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

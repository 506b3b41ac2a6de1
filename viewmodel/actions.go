package viewmodel

import (
	"context"

	"taskboard/domain"
	"taskboard/upload"
)

// Create adds a task for the signed-in user.
func (vm *ViewModel) Create(ctx context.Context, title, description string) (string, error) {
	user, err := vm.currentUser()
	if err != nil {
		return "", err
	}
	return vm.tasks.Create(ctx, user.UID, title, description)
}

// Rename changes a task title.
func (vm *ViewModel) Rename(ctx context.Context, id, title string) error {
	if _, err := vm.currentUser(); err != nil {
		return err
	}
	return vm.tasks.Rename(ctx, id, title)
}

// Toggle flips a task's completion.
func (vm *ViewModel) Toggle(ctx context.Context, id string) error {
	if _, err := vm.currentUser(); err != nil {
		return err
	}
	return vm.tasks.Toggle(ctx, id)
}

// Delete removes a task. A task that is already gone counts as deleted.
func (vm *ViewModel) Delete(ctx context.Context, id string) error {
	if _, err := vm.currentUser(); err != nil {
		return err
	}
	if err := vm.tasks.Delete(ctx, id); err != nil && !domain.IsNotFound(err) {
		return err
	}
	return nil
}

// AttachFile uploads f and attaches it to the task.
func (vm *ViewModel) AttachFile(ctx context.Context, id string, f upload.File, onProgress upload.ProgressFunc) (upload.Result, error) {
	user, err := vm.currentUser()
	if err != nil {
		return upload.Result{}, err
	}
	if vm.uploader == nil {
		return upload.Result{}, &domain.ValidationError{Reason: "uploads are not configured"}
	}
	res, err := vm.uploader.Upload(ctx, f, user.UID, onProgress)
	if err != nil {
		return upload.Result{}, err
	}
	if err := vm.tasks.AttachImage(ctx, id, res.URL, res.Path); err != nil {
		vm.uploader.Remove(context.WithoutCancel(ctx), res.Path)
		return upload.Result{}, err
	}
	return res, nil
}

// Annotate asks for an AI annotation of a task in the current list. The
// result arrives through the subscription; failures are returned and shown
// in State.Err until the next snapshot.
func (vm *ViewModel) Annotate(ctx context.Context, id string) error {
	if _, err := vm.currentUser(); err != nil {
		return err
	}
	if vm.annotator == nil {
		return &domain.ValidationError{Reason: "annotations are not configured"}
	}

	vm.mu.Lock()
	var task *domain.Task
	for i := range vm.list {
		if vm.list[i].ID == id {
			t := vm.list[i]
			task = &t
			break
		}
	}
	if task == nil {
		vm.mu.Unlock()
		return &domain.NotFoundError{ID: id}
	}
	if vm.annotating[id] {
		vm.mu.Unlock()
		return &domain.ValidationError{Field: "taskId", Reason: "annotation already in progress"}
	}
	vm.annotating[id] = true
	st := vm.snapshotLocked()
	vm.mu.Unlock()
	vm.render(st)

	err := vm.annotator.Annotate(ctx, task.ID, task.Title, task.Description)

	if err != nil {
		vm.logger.WithError(err).WithField("task", id).Warn("annotation failed")
	}
	vm.mu.Lock()
	delete(vm.annotating, id)
	if err != nil {
		vm.lastErr = err
	}
	st = vm.snapshotLocked()
	vm.mu.Unlock()
	vm.render(st)
	return err
}

func (vm *ViewModel) currentUser() (domain.User, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if !vm.signedIn {
		return domain.User{}, &domain.AuthError{Reason: "not signed in"}
	}
	return vm.user, nil
}

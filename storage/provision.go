package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

// Resources names the storage objects the service needs.
type Resources struct {
	Table     string
	Queue     string
	Container string
}

// Provision creates the table, queue and container if they do not already
// exist. Empty names are skipped.
func Provision(ctx context.Context, connStr string, res Resources) error {
	if err := createTable(ctx, connStr, res.Table); err != nil {
		return err
	}
	if err := createQueue(ctx, connStr, res.Queue); err != nil {
		return err
	}
	return createContainer(ctx, connStr, res.Container)
}

func createTable(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
		if !hasCode(err, string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	log.WithField("table", name).Info("table ready")
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		if !hasCode(err, "QueueAlreadyExists") {
			return err
		}
	}
	log.WithField("queue", name).Info("queue ready")
	return nil
}

func createContainer(ctx context.Context, connStr, name string) error {
	if name == "" {
		return nil
	}
	c, err := container.NewClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := c.Create(ctx, nil); err != nil {
		if !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return err
		}
	}
	log.WithField("container", name).Info("container ready")
	return nil
}

func hasCode(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}

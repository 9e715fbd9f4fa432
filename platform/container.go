package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	dockerTypes "github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/instanceforge/controlplane/messages"
)

const opaqueRecordsMountTarget = "/etc/instanceforge/records.json"

// ContainerDriver hosts instances as Docker containers, grounded on the
// create/start/stop/inspect cycle driven through the Docker engine API.
type ContainerDriver struct {
	Client     *client.Client
	Image      string
	RecordsDir string
}

// NewContainerDriver wraps an already-negotiated Docker client.
func NewContainerDriver(cli *client.Client, image, recordsDir string) *ContainerDriver {
	return &ContainerDriver{Client: cli, Image: image, RecordsDir: recordsDir}
}

func containerName(id string) string {
	return "instanceforge-" + id
}

// writeRecords materializes sources/queries/reactions to a JSON file that
// gets bind-mounted into the container, since those lists are opaque to
// this driver and have no natural home as environment variables.
func (d *ContainerDriver) writeRecords(id string, config messages.DeclaredConfiguration) (string, error) {
	if err := os.MkdirAll(d.RecordsDir, 0o755); err != nil {
		return "", fmt.Errorf("create records dir: %w", err)
	}
	path := filepath.Join(d.RecordsDir, id+"-records.json")

	data, err := json.Marshal(struct {
		Sources   []messages.OpaqueRecord `json:"sources"`
		Queries   []messages.OpaqueRecord `json:"queries"`
		Reactions []messages.OpaqueRecord `json:"reactions"`
	}{config.Sources, config.Queries, config.Reactions})
	if err != nil {
		return "", fmt.Errorf("marshal opaque records: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write records file: %w", err)
	}
	return path, nil
}

// Start creates and starts a container bound to config's host/port/logLevel,
// with sources/queries/reactions mounted in as a JSON file.
func (d *ContainerDriver) Start(ctx context.Context, id string, config messages.DeclaredConfiguration) (messages.RuntimeInfo, error) {
	recordsPath, err := d.writeRecords(id, config)
	if err != nil {
		return messages.RuntimeInfo{}, err
	}

	name := containerName(id)
	env := []string{
		fmt.Sprintf("INSTANCE_HOST=%s", config.Host),
		fmt.Sprintf("INSTANCE_PORT=%d", config.Port),
		fmt.Sprintf("INSTANCE_LOG_LEVEL=%s", config.LogLevel),
	}

	containerPort, err := nat.NewPort("tcp", fmt.Sprintf("%d", config.Port))
	if err != nil {
		return messages.RuntimeInfo{}, fmt.Errorf("invalid port binding: %w", err)
	}

	hostConfig := dockercontainer.HostConfig{
		NetworkMode: "bridge",
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   recordsPath,
				Target:   opaqueRecordsMountTarget,
				ReadOnly: true,
			},
		},
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", config.Port)}},
		},
	}

	_, err = d.Client.ContainerCreate(
		ctx,
		&dockercontainer.Config{
			Image:        d.Image,
			Env:          env,
			ExposedPorts: nat.PortSet{containerPort: struct{}{}},
			Labels: map[string]string{
				"instanceforge.instanceId": id,
			},
		},
		&hostConfig,
		nil,
		nil,
		name,
	)
	if err != nil {
		return messages.RuntimeInfo{}, fmt.Errorf("create container: %w", err)
	}

	if err := d.Client.ContainerStart(ctx, name, dockerTypes.ContainerStartOptions{}); err != nil {
		return messages.RuntimeInfo{}, fmt.Errorf("start container: %w", err)
	}

	return d.Status(ctx, id)
}

// Stop stops and removes the container. Already-absent containers are a
// no-op success, matching the driver's idempotent-stop contract.
func (d *ContainerDriver) Stop(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	name := containerName(id)
	timeout := 10
	err := d.Client.ContainerStop(ctx, name, dockercontainer.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return messages.RuntimeInfo{}, fmt.Errorf("stop container: %w", err)
	}

	_ = d.Client.ContainerRemove(ctx, name, dockerTypes.ContainerRemoveOptions{Force: true})

	return messages.RuntimeInfo{InstanceID: id, Status: messages.StatusStopped}, nil
}

// Restart restarts the container in place.
func (d *ContainerDriver) Restart(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	name := containerName(id)
	timeout := 10
	if err := d.Client.ContainerRestart(ctx, name, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		return messages.RuntimeInfo{}, fmt.Errorf("restart container: %w", err)
	}
	return d.Status(ctx, id)
}

// Status inspects the container and reports runtime info.
func (d *ContainerDriver) Status(ctx context.Context, id string) (messages.RuntimeInfo, error) {
	name := containerName(id)
	res, err := d.Client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return messages.RuntimeInfo{}, fmt.Errorf("status %s: no tracked container", id)
		}
		return messages.RuntimeInfo{}, fmt.Errorf("inspect container: %w", err)
	}

	status := messages.StatusRunning
	errMsg := ""
	var startedAt time.Time
	if res.State != nil {
		if !res.State.Running {
			status = messages.StatusError
			errMsg = res.State.Error
		}
		if parsed, err := time.Parse(time.RFC3339Nano, res.State.StartedAt); err == nil {
			startedAt = parsed
		}
	}

	return messages.RuntimeInfo{
		InstanceID:   id,
		Status:       status,
		StartedAt:    startedAt,
		ContainerID:  res.ID,
		ErrorMessage: errMsg,
	}, nil
}

// ListAll is not supported by label-scanning in this minimal driver; the
// worker tracks its own instance-id set and calls Status per id instead.
func (d *ContainerDriver) ListAll(ctx context.Context) ([]messages.RuntimeInfo, error) {
	return nil, fmt.Errorf("container driver: ListAll unsupported, query Status per instance")
}

// Available reports whether the Docker daemon answers a ping.
func (d *ContainerDriver) Available(ctx context.Context) bool {
	_, err := d.Client.Ping(ctx)
	return err == nil
}

// Allocate reserves a port from allocator and binds the container to
// all interfaces on that port.
func (d *ContainerDriver) Allocate(allocator *PortAllocator) (messages.ServerBinding, error) {
	port, err := allocator.Allocate()
	if err != nil {
		return messages.ServerBinding{}, err
	}
	return messages.ServerBinding{Host: "0.0.0.0", Port: port, LogLevel: "info"}, nil
}

var _ Driver = (*ContainerDriver)(nil)

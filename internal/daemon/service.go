package daemon

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"evernest.io/sashimono-agent/internal/containerruntime"
	"evernest.io/sashimono-agent/internal/errs"
	"evernest.io/sashimono-agent/internal/instancestore"
	"evernest.io/sashimono-agent/internal/osuser"
	"evernest.io/sashimono-agent/internal/ports"
	"evernest.io/sashimono-agent/internal/wire"
)

// contractRunUID/GID are fixed per spec section 4.1 ("contract run-as UID/GID
// fixed at 10000:0").
const (
	contractRunUID = 10000
	contractRunGID = 0
)

// ResourceLimits carries the per-instance OS-user resource quotas the
// install script enforces (spec section 4.1's install_user fields,
// grounded on original_source/src/hp_manager.cpp).
type ResourceLimits struct {
	MaxCPUMicros  int64
	MaxMemKBytes  int64
	MaxSwapKBytes int64
	StorageKBytes int64
}

// Service implements Handler by orchestrating the instance store, the
// port allocator, the container runtime, and the OS user installer - the
// concrete wiring the teacher's handlers.Handlers struct does for
// store/queue/runtime in its own domain.
type Service struct {
	Store       *instancestore.Store
	Allocator   *ports.Allocator
	Runtime     containerruntime.Runtime
	Installer   *osuser.Installer
	Logger      *slog.Logger

	MaxInstanceCount int
	ContractBaseDir  string // host directory instance contract dirs live under
	TemplateDir      string // contract skeleton to copy for each new instance
	HostIP           string
	Registry         string
	Limits           ResourceLimits
}

func (s *Service) List(ctx context.Context) (wire.ListResponse, error) {
	instances, err := s.Store.List(ctx, nil)
	if err != nil {
		return wire.ListResponse{}, err
	}
	views := make([]wire.InstanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, toView(inst))
	}
	return wire.ListResponse{Type: wire.ResponseType(wire.TypeList), Content: views}, nil
}

func (s *Service) Inspect(ctx context.Context, req wire.InspectRequest) (wire.InspectResponse, error) {
	inst, err := s.Store.Get(ctx, nil, req.ContainerName)
	if err != nil {
		if err == instancestore.ErrNotFound {
			return wire.InspectResponse{}, errs.New(errs.NoContainerError, err)
		}
		return wire.InspectResponse{}, err
	}
	return wire.InspectResponse{
		Type:     wire.ResponseType(wire.TypeInspect),
		Instance: toView(inst),
		Username: inst.Username,
	}, nil
}

// Create implements the full provisioning pipeline of spec section 4.1:
// OS user install, contract directory materialization, container
// creation, tenant config overrides, service start, container start.
func (s *Service) Create(ctx context.Context, req wire.CreateRequest) (wire.CreateResponse, error) {
	if _, err := s.Store.Get(ctx, nil, req.ContainerName); err == nil {
		return wire.CreateResponse{}, errs.New(errs.InstanceAlreadyExists, fmt.Errorf("instance %s already exists", req.ContainerName))
	}

	n, err := s.Store.Count(ctx, nil)
	if err != nil {
		return wire.CreateResponse{}, err
	}
	if n >= s.MaxInstanceCount {
		return wire.CreateResponse{}, errs.New(errs.MaxAllocReached, fmt.Errorf("max instance count %d reached", s.MaxInstanceCount))
	}

	tuple := s.Allocator.Acquire()
	rollbackPorts := true
	defer func() {
		if rollbackPorts {
			s.Allocator.Release(tuple)
		}
	}()

	instRes, err := s.Installer.Install(ctx, osuser.InstallParams{
		MaxCPUMicros:    s.Limits.MaxCPUMicros,
		MaxMemKBytes:    s.Limits.MaxMemKBytes,
		MaxSwapKBytes:   s.Limits.MaxSwapKBytes,
		StorageKBytes:   s.Limits.StorageKBytes,
		ContainerName:   req.ContainerName,
		ContractUID:     contractRunUID,
		ContractGID:     contractRunGID,
		PeerPort:        tuple.Peer,
		UserPort:        tuple.User,
		GPTCPBase:       tuple.GPTCPBase,
		GPUDPBase:       tuple.GPUDPBase,
		DockerImage:     req.Image,
		RegistryAddress: s.Registry,
		OutboundIPv6:    req.OutboundIPv6,
		OutboundIface:   req.OutboundNetInterface,
	})
	if err != nil {
		return wire.CreateResponse{}, err
	}
	rollbackUser := true
	defer func() {
		if rollbackUser {
			_ = s.Installer.Uninstall(context.Background(), instRes.Username, req.ContainerName, tuple.Peer, tuple.User, tuple.GPTCPBase, tuple.GPUDPBase)
		}
	}()

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		return wire.CreateResponse{}, errs.New(errs.InstanceError, fmt.Errorf("generate signing key: %w", err))
	}
	pubkeyHex := "ed" + hex.EncodeToString(pub)

	contractDir := filepath.Join(s.ContractBaseDir, req.ContainerName)
	if err := materializeContractDir(s.TemplateDir, contractDir, contractConfigParams{
		ContractID:    req.ContractID,
		NodePubkey:    pubkeyHex,
		MeshPort:      tuple.Peer,
		UserPort:      tuple.User,
		RunUID:        contractRunUID,
		RunGID:        contractRunGID,
		ConfigRaw:     req.Config.Raw,
		HPFSLogLevel:  req.Config.HPFSLogLevel,
		FullHistory:   req.Config.FullHistory,
	}); err != nil {
		return wire.CreateResponse{}, errs.New(errs.ContainerConfError, err)
	}

	containerID, err := s.Runtime.Create(ctx, containerruntime.CreateOptions{
		Name:  req.ContainerName,
		Image: req.Image,
		Bindings: []containerruntime.PortBinding{
			{ContainerPort: tuple.Peer, HostPort: tuple.Peer, Proto: "tcp"},
			{ContainerPort: tuple.User, HostPort: tuple.User, Proto: "tcp"},
			{ContainerPort: tuple.GPTCPBase, HostPort: tuple.GPTCPBase, Proto: "tcp"},
			{ContainerPort: tuple.GPUDPBase, HostPort: tuple.GPUDPBase, Proto: "udp"},
		},
		Binds: []string{contractDir + ":/contract"},
		User:  fmt.Sprintf("%d:%d", contractRunUID, contractRunGID),
	})
	if err != nil {
		return wire.CreateResponse{}, err
	}
	rollbackContainer := true
	defer func() {
		if rollbackContainer {
			_ = s.Runtime.Remove(context.Background(), containerID)
		}
	}()

	if err := s.Runtime.Start(ctx, containerID); err != nil {
		return wire.CreateResponse{}, errs.MarkPostCreate(err)
	}

	inst := instancestore.Instance{
		ContainerName: req.ContainerName,
		OwnerPubkey:   req.OwnerPubkey,
		ContractID:    req.ContractID,
		ContractDir:   contractDir,
		ImageName:     req.Image,
		Ports: instancestore.Ports{
			Peer: tuple.Peer, User: tuple.User, GPTCPBase: tuple.GPTCPBase, GPUDPBase: tuple.GPUDPBase,
		},
		Status:   instancestore.StatusRunning,
		Pubkey:   pubkeyHex,
		IP:       s.HostIP,
		Username: instRes.Username,
	}
	if err := s.Store.Create(ctx, nil, inst); err != nil {
		return wire.CreateResponse{}, errs.MarkPostCreate(err)
	}

	rollbackPorts, rollbackUser, rollbackContainer = false, false, false
	return wire.CreateResponse{Type: wire.ResponseType(wire.TypeCreate), Instance: toView(inst)}, nil
}

// Destroy implements spec section 4.1's destroy: stop filesystem
// services, remove the container, uninstall the user, hard-delete the row,
// and return the freed ports to the vacant stack.
func (s *Service) Destroy(ctx context.Context, req wire.DestroyRequest) (wire.DestroyResponse, error) {
	inst, err := s.Store.Get(ctx, nil, req.ContainerName)
	if err != nil {
		if err == instancestore.ErrNotFound {
			return wire.DestroyResponse{}, errs.New(errs.NoContainerError, err)
		}
		return wire.DestroyResponse{}, err
	}

	containerID := inst.ContainerName
	if err := s.Runtime.Remove(ctx, containerID); err != nil {
		s.Logger.Warn("remove container during destroy", "container", containerID, "error", err)
	}

	if err := s.Installer.Uninstall(ctx, inst.Username, inst.ContainerName, inst.Ports.Peer, inst.Ports.User, inst.Ports.GPTCPBase, inst.Ports.GPUDPBase); err != nil {
		return wire.DestroyResponse{}, err
	}

	freed, err := s.Store.Destroy(ctx, nil, req.ContainerName)
	if err != nil {
		return wire.DestroyResponse{}, err
	}
	s.Allocator.Release(ports.Tuple{Peer: freed.Peer, User: freed.User, GPTCPBase: freed.GPTCPBase, GPUDPBase: freed.GPUDPBase})

	_ = os.RemoveAll(inst.ContractDir)

	return wire.DestroyResponse{Type: wire.ResponseType(wire.TypeDestroy), ContainerName: req.ContainerName}, nil
}

// Start re-reads the on-disk contract config, validates it, (re)starts
// filesystem services, then starts the container (spec section 4.1).
// Must be in the complementary (stopped/created) state.
func (s *Service) Start(ctx context.Context, req wire.StartStopRequest) (wire.StartStopResponse, error) {
	inst, err := s.Store.Get(ctx, nil, req.ContainerName)
	if err != nil {
		if err == instancestore.ErrNotFound {
			return wire.StartStopResponse{}, errs.New(errs.NoContainerError, err)
		}
		return wire.StartStopResponse{}, err
	}
	if inst.Status == instancestore.StatusRunning {
		return wire.StartStopResponse{}, errs.New(errs.InstanceError, fmt.Errorf("instance %s is already running", req.ContainerName))
	}

	if err := validateContractConfig(inst.ContractDir); err != nil {
		return wire.StartStopResponse{}, errs.New(errs.ContainerConfError, err)
	}

	if err := s.Runtime.Start(ctx, inst.ContainerName); err != nil {
		return wire.StartStopResponse{}, err
	}
	if err := s.Store.UpdateStatus(ctx, nil, req.ContainerName, instancestore.StatusRunning); err != nil {
		return wire.StartStopResponse{}, err
	}
	return wire.StartStopResponse{Type: wire.ResponseType(wire.TypeStart), ContainerName: req.ContainerName, Status: string(instancestore.StatusRunning)}, nil
}

// Stop is the complementary transition to Start.
func (s *Service) Stop(ctx context.Context, req wire.StartStopRequest) (wire.StartStopResponse, error) {
	inst, err := s.Store.Get(ctx, nil, req.ContainerName)
	if err != nil {
		if err == instancestore.ErrNotFound {
			return wire.StartStopResponse{}, errs.New(errs.NoContainerError, err)
		}
		return wire.StartStopResponse{}, err
	}
	if inst.Status != instancestore.StatusRunning {
		return wire.StartStopResponse{}, errs.New(errs.InstanceError, fmt.Errorf("instance %s is not running", req.ContainerName))
	}

	if err := s.Runtime.Stop(ctx, inst.ContainerName); err != nil {
		return wire.StartStopResponse{}, err
	}
	if err := s.Store.UpdateStatus(ctx, nil, req.ContainerName, instancestore.StatusStopped); err != nil {
		return wire.StartStopResponse{}, err
	}
	return wire.StartStopResponse{Type: wire.ResponseType(wire.TypeStop), ContainerName: req.ContainerName, Status: string(instancestore.StatusStopped)}, nil
}

func toView(inst instancestore.Instance) wire.InstanceView {
	return wire.InstanceView{
		ContainerName: inst.ContainerName,
		OwnerPubkey:   inst.OwnerPubkey,
		ContractID:    inst.ContractID,
		ContractDir:   inst.ContractDir,
		ImageName:     inst.ImageName,
		Ports: wire.Ports{
			Peer: inst.Ports.Peer, User: inst.Ports.User,
			GPTCPBase: inst.Ports.GPTCPBase, GPUDPBase: inst.Ports.GPUDPBase,
		},
		Status:   string(inst.Status),
		Pubkey:   inst.Pubkey,
		IP:       inst.IP,
		Username: inst.Username,
	}
}

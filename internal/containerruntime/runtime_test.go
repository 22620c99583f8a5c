package containerruntime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitImageSuffixStripsTrailingSuffix(t *testing.T) {
	require.Equal(t, "evernode/sashimono:hp-0.6.2", splitImageSuffix("evernode/sashimono:hp-0.6.2--tenant-note"))
	require.Equal(t, "evernode/sashimono:hp-0.6.2", splitImageSuffix("evernode/sashimono:hp-0.6.2"))
}

func TestToPortSetBuildsExposedAndBindings(t *testing.T) {
	exposed, portMap, err := toPortSet([]PortBinding{
		{ContainerPort: 22861, HostPort: 33001, Proto: "tcp"},
		{ContainerPort: 26201, HostPort: 33002, Proto: "udp"},
	})
	require.NoError(t, err)
	require.Len(t, exposed, 2)
	require.Len(t, portMap, 2)
}

func TestFakeRuntimeLifecycle(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	id, err := f.Create(ctx, CreateOptions{Name: "sashi01", Image: "evernode/sashimono:hp"})
	require.NoError(t, err)

	st, err := f.Inspect(ctx, id)
	require.NoError(t, err)
	require.False(t, st.Running)

	require.NoError(t, f.Start(ctx, id))
	st, err = f.Inspect(ctx, id)
	require.NoError(t, err)
	require.True(t, st.Running)

	f.MarkExited(id)
	st, err = f.Inspect(ctx, id)
	require.NoError(t, err)
	require.True(t, st.Exited)

	require.NoError(t, f.Stop(ctx, id))
	require.NoError(t, f.Remove(ctx, id))

	_, err = f.Inspect(ctx, id)
	require.Error(t, err)
}

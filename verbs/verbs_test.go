package verbs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gorcverbs/gorcverbs/verbs"
	"github.com/gorcverbs/gorcverbs/verbs/simverbs"
)

func openDevice(t *testing.T, fabric *simverbs.Fabric) (*verbs.Device, *verbs.PD) {
	t.Helper()
	index := fabric.AddDevice(verbs.AtomicCapHCA)
	driver := simverbs.NewDriver(fabric)
	dev, err := verbs.OpenDevice(driver, index, 1)
	require.NoError(t, err)
	pd, err := verbs.AllocPD(dev)
	require.NoError(t, err)
	return dev, pd
}

func TestRemoteMRSerializeRoundTrip(t *testing.T) {
	mr := verbs.RemoteMR{Addr: 0x1122334455667788, Length: 4096, RKey: 0xdeadbeef}
	buf := mr.Serialize()
	require.Len(t, buf, verbs.RemoteMRSerializedSize)

	got, err := verbs.DeserializeRemoteMR(buf)
	require.NoError(t, err)
	require.Equal(t, mr, got)
}

func TestDeserializeRemoteMRRejectsShortBuffer(t *testing.T) {
	_, err := verbs.DeserializeRemoteMR(make([]byte, 15))
	require.Error(t, err)
}

func TestLocalMRDoubleDeregisterIsSafe(t *testing.T) {
	fabric := simverbs.NewFabric()
	_, pd := openDevice(t, fabric)

	buf := make([]byte, 64)
	mr, err := verbs.RegisterMR(pd, buf, verbs.DefaultAccessFlags)
	require.NoError(t, err)

	require.NoError(t, mr.Deregister())
	require.NoError(t, mr.Deregister())
}

func TestRegisterMRRejectsEmptyBuffer(t *testing.T) {
	fabric := simverbs.NewFabric()
	_, pd := openDevice(t, fabric)

	_, err := verbs.RegisterMR(pd, nil, verbs.DefaultAccessFlags)
	require.Error(t, err)
}

func TestLocalMRAddrMatchesBackingSlice(t *testing.T) {
	fabric := simverbs.NewFabric()
	_, pd := openDevice(t, fabric)

	buf := make([]byte, 32)
	mr, err := verbs.RegisterMR(pd, buf, verbs.DefaultAccessFlags)
	require.NoError(t, err)
	defer mr.Deregister()

	require.NotZero(t, mr.Addr())
	require.Equal(t, uint32(32), mr.Length())
	require.Equal(t, mr.Remote(), verbs.RemoteMR{Addr: mr.Addr(), Length: mr.Length(), RKey: mr.RKey()})
}

func TestPDCloseFailsWithLiveMR(t *testing.T) {
	fabric := simverbs.NewFabric()
	_, pd := openDevice(t, fabric)

	buf := make([]byte, 16)
	mr, err := verbs.RegisterMR(pd, buf, verbs.DefaultAccessFlags)
	require.NoError(t, err)

	require.Error(t, pd.Close())

	require.NoError(t, mr.Deregister())
	require.NoError(t, pd.Close())
}

func TestDeviceCloseFailsWithLivePD(t *testing.T) {
	dev, pd := openDevice(t, simverbs.NewFabric())

	require.Error(t, dev.Close())

	require.NoError(t, pd.Close())
	require.NoError(t, dev.Close())
}

func TestCreateCQDefaultsDepth(t *testing.T) {
	fabric := simverbs.NewFabric()
	_, pd := openDevice(t, fabric)

	cq, err := verbs.CreateCQ(pd.Device(), 0)
	require.NoError(t, err)
	require.Equal(t, verbs.DefaultCQDepth, cq.Depth())
	require.NoError(t, cq.Close())
}

func TestCreateSRQDefaultsDepth(t *testing.T) {
	fabric := simverbs.NewFabric()
	_, pd := openDevice(t, fabric)

	srq, err := verbs.CreateSRQ(pd, 0)
	require.NoError(t, err)
	require.Equal(t, verbs.DefaultSRQDepth, srq.Depth())
	require.NoError(t, srq.Close())
}

func TestDeviceAtomicCapability(t *testing.T) {
	fabric := simverbs.NewFabric()
	dev, _ := openDevice(t, fabric)
	require.True(t, dev.IsFetchAndAddSupported())
	require.True(t, dev.IsCompareAndSwapSupported())
}

func TestOpenDeviceByName(t *testing.T) {
	fabric := simverbs.NewFabric()
	fabric.AddDevice(verbs.AtomicCapHCA)
	fabric.AddDevice(verbs.AtomicCapHCA)
	driver := simverbs.NewDriver(fabric)

	dev, err := verbs.OpenDeviceByName(driver, "sim1", 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, dev.LID())

	_, err = verbs.OpenDeviceByName(driver, "mlx5_0", 1)
	require.Error(t, err)
}

func TestDeviceAtomicCapabilityNone(t *testing.T) {
	fabric := simverbs.NewFabric()
	index := fabric.AddDevice(verbs.AtomicCapNone)
	driver := simverbs.NewDriver(fabric)
	dev, err := verbs.OpenDevice(driver, index, 1)
	require.NoError(t, err)

	require.False(t, dev.IsFetchAndAddSupported())
	require.False(t, dev.IsCompareAndSwapSupported())
}

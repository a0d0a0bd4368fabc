package gdwatch

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/pubsub/v1"
)

func newTestPubSubService(t *testing.T) (*pubsub.Service, *stubHandler) {
	t.Helper()
	server, stub := NewStub(t)
	svc, err := pubsub.NewService(context.Background(), stubClientOptions(server)...)
	require.NoError(t, err)
	return svc, stub
}

func TestPubSubChannelProvisioner(t *testing.T) {
	svc, stub := newTestPubSubService(t)
	p := NewPubSubChannelProvisioner(svc)
	cfg := ChannelConfig{ProjectID: "test-project", Topic: "g-drive-changes", Subscription: "g-drive-changes-sub"}

	handle, err := p.EnsureChannel(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, handle.TopicCreated)
	require.True(t, handle.SubscriptionCreated)
	require.Equal(t, "projects/test-project/topics/g-drive-changes", stub.subscriptions["projects/test-project/subscriptions/g-drive-changes-sub"])

	handle, err = p.EnsureChannel(context.Background(), cfg)
	require.NoError(t, err, "provisioning is idempotent")
	require.False(t, handle.TopicCreated)
	require.False(t, handle.SubscriptionCreated)
	require.Equal(t, cfg, handle.Config)
}

func TestPubSubChannelProvisionerExistingTopic(t *testing.T) {
	svc, stub := newTestPubSubService(t)
	stub.topics["projects/test-project/topics/g-drive-changes"] = true
	handle, err := NewPubSubChannelProvisioner(svc).EnsureChannel(context.Background(), ChannelConfig{
		ProjectID:    "test-project",
		Topic:        "g-drive-changes",
		Subscription: "g-drive-changes-sub",
	})
	require.NoError(t, err)
	require.False(t, handle.TopicCreated)
	require.True(t, handle.SubscriptionCreated)
}

func TestPubSubChannelProvisionerErrors(t *testing.T) {
	cases := []struct {
		name   string
		cfg    ChannelConfig
		status int
	}{
		{
			name: "missing project",
			cfg:  ChannelConfig{Topic: "t", Subscription: "s"},
		},
		{
			name:   "permission denied",
			cfg:    ChannelConfig{ProjectID: "test-project", Topic: "t", Subscription: "s"},
			status: http.StatusForbidden,
		},
		{
			name:   "bad request",
			cfg:    ChannelConfig{ProjectID: "test-project", Topic: "t", Subscription: "s"},
			status: http.StatusBadRequest,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			svc, stub := newTestPubSubService(t)
			stub.topicStatus = c.status
			_, err := NewPubSubChannelProvisioner(svc).EnsureChannel(context.Background(), c.cfg)
			require.Error(t, err)
			require.Empty(t, stub.subscriptions)
		})
	}
}

func TestPubSubChannelProvisionerSubscriptionErrors(t *testing.T) {
	for _, status := range []int{http.StatusForbidden, http.StatusBadRequest} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			svc, stub := newTestPubSubService(t)
			stub.subStatus = status
			_, err := NewPubSubChannelProvisioner(svc).EnsureChannel(context.Background(), ChannelConfig{
				ProjectID:    "test-project",
				Topic:        "g-drive-changes",
				Subscription: "g-drive-changes-sub",
			})
			require.ErrorContains(t, err, "get pub/sub subscription projects/test-project/subscriptions/g-drive-changes-sub")
			require.True(t, stub.topics["projects/test-project/topics/g-drive-changes"], "topic step ran first")
			require.Empty(t, stub.subscriptions, "subscription is not created on errors other than not found")
		})
	}
}

func TestNopChannelProvisioner(t *testing.T) {
	cfg := ChannelConfig{ProjectID: "p", Topic: "t", Subscription: "s"}
	handle, err := NopChannelProvisioner{}.EnsureChannel(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, cfg, handle.Config)
	require.False(t, handle.TopicCreated)
}

func TestChannelConfigNames(t *testing.T) {
	cfg := ChannelConfig{ProjectID: "p", Topic: "t", Subscription: "s"}
	require.Equal(t, "projects/p/topics/t", cfg.TopicName())
	require.Equal(t, "projects/p/subscriptions/s", cfg.SubscriptionName())
}

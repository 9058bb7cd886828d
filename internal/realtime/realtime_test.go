package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missionline/internal/domain"
)

func acceptedEvent() Event {
	provider := "bob"
	return MissionEvent(MissionAccepted, domain.Mission{ID: "m1", RequesterID: "alice", ProviderID: &provider, Status: domain.StatusAccepted})
}

func receive(t *testing.T, ch *Channel) Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	return Event{}
}

func TestPublishReachesEveryChannelOfUser(t *testing.T) {
	reg := NewRegistry(4, 4)
	n := NewNotifier(reg, nil)
	phone, err := reg.Register("alice")
	require.NoError(t, err)
	laptop, err := reg.Register("alice")
	require.NoError(t, err)
	other, err := reg.Register("carol")
	require.NoError(t, err)

	assert.Equal(t, 2, n.Publish("alice", acceptedEvent()))
	for _, ch := range []*Channel{phone, laptop} {
		ev := receive(t, ch)
		assert.Equal(t, MissionAccepted, ev.Kind)
		assert.Equal(t, "m1", ev.Mission.ID)
	}
	select {
	case <-other.Events():
		t.Fatal("event leaked to another user")
	default:
	}
}

func TestClosedChannelDoesNotStarveSibling(t *testing.T) {
	reg := NewRegistry(4, 4)
	n := NewNotifier(reg, nil)
	dead, err := reg.Register("alice")
	require.NoError(t, err)
	live, err := reg.Register("alice")
	require.NoError(t, err)
	dead.Close()

	assert.Equal(t, 1, n.Publish("alice", acceptedEvent()))
	assert.Equal(t, MissionAccepted, receive(t, live).Kind)
	assert.Len(t, reg.ChannelsFor("alice"), 1, "closed channel is reaped")
}

func TestStalledChannelIsEvictedWithoutBlocking(t *testing.T) {
	reg := NewRegistry(1, 4)
	n := NewNotifier(reg, nil)
	slow, err := reg.Register("alice")
	require.NoError(t, err)
	fast, err := reg.Register("alice")
	require.NoError(t, err)

	n.Publish("alice", acceptedEvent())
	receive(t, fast)

	done := make(chan int)
	go func() { done <- n.Publish("alice", acceptedEvent()) }()
	select {
	case got := <-done:
		assert.Equal(t, 1, got)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full channel")
	}
	receive(t, fast)
	assert.True(t, slow.Closed())
	assert.Len(t, reg.ChannelsFor("alice"), 1)
}

func TestPublishWithoutChannelsIsNoop(t *testing.T) {
	n := NewNotifier(NewRegistry(1, 1), nil)
	assert.Zero(t, n.Publish("nobody", acceptedEvent()))
	var nilNotifier *Notifier
	assert.Zero(t, nilNotifier.Publish("nobody", acceptedEvent()))
}

func TestRegisterEnforcesPerUserCap(t *testing.T) {
	reg := NewRegistry(1, 2)
	a, err := reg.Register("alice")
	require.NoError(t, err)
	_, err = reg.Register("alice")
	require.NoError(t, err)
	_, err = reg.Register("alice")
	require.ErrorIs(t, err, ErrTooManyChannels)

	reg.Unregister("alice", a)
	_, err = reg.Register("alice")
	require.NoError(t, err)
	_, err = reg.Register("")
	require.Error(t, err)
}

func TestRegistryConcurrentChurn(t *testing.T) {
	reg := NewRegistry(8, 1000)
	n := NewNotifier(reg, nil)
	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		user := fmt.Sprintf("user-%d", u)
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				ch, err := reg.Register(user)
				if !assert.NoError(t, err) {
					return
				}
				time.Sleep(time.Millisecond)
				reg.Unregister(user, ch)
				reg.Unregister(user, ch)
			}()
			go func() {
				defer wg.Done()
				n.Publish(user, acceptedEvent())
			}()
		}
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}

func TestEventWireShape(t *testing.T) {
	b, err := json.Marshal(WalletEvent(domain.Wallet{UserID: "alice", Balance: 380, Currency: "EUR"}))
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, "wallet:updated", wire["event"])
	data, ok := wire["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(380), data["balance"])

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	require.NotNil(t, back.Wallet)
	assert.Nil(t, back.Mission)

	_, err = json.Marshal(Event{Kind: MissionUpdated})
	assert.Error(t, err)
}

func TestCloseAll(t *testing.T) {
	reg := NewRegistry(1, 2)
	a, _ := reg.Register("alice")
	b, _ := reg.Register("bob")
	reg.CloseAll()
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 0, reg.Len())
}

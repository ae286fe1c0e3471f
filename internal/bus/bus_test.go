package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/signal"
)

// startTestNATSServer starts an embedded NATS server for testing
func startTestNATSServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // Random port
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(ns.Shutdown)
	return ns
}

func setupTestBus(t *testing.T) (*Bus, *server.Server) {
	t.Helper()

	ns := startTestNATSServer(t)
	b, err := Connect(Config{URL: ns.ClientURL(), Name: "tradegate-test"})
	require.NoError(t, err)
	require.True(t, b.Connected())

	t.Cleanup(b.Close)
	return b, ns
}

// fakeGate answers submissions from a canned script
type fakeGate struct {
	result *signal.SubmitResult
	err    error

	last *signal.Signal
}

func (g *fakeGate) Submit(_ context.Context, sig *signal.Signal) (*signal.SubmitResult, error) {
	g.last = sig
	if g.err != nil {
		return nil, g.err
	}
	return g.result, nil
}

func validPayload(t *testing.T, profileID string) []byte {
	t.Helper()
	data, err := json.Marshal(signal.Signal{
		SignalID:   "sig-1",
		ProfileID:  profileID,
		Symbol:     "EURUSD",
		Direction:  signal.DirectionBuy,
		Confidence: 0.8,
		EntryPrice: 1.10,
		StopLoss:   1.0950,
		TakeProfit: 1.11,
		Source:     "trend-follower",
	})
	require.NoError(t, err)
	return data
}

func requestSubmit(t *testing.T, ns *server.Server, profileID string, payload []byte) *signal.SubmitResult {
	t.Helper()

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msg, err := nc.Request(SubmitSubject(profileID), payload, 2*time.Second)
	require.NoError(t, err)

	var result signal.SubmitResult
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	return &result
}

func TestServeSubmissionsAccepts(t *testing.T) {
	b, ns := setupTestBus(t)
	gate := &fakeGate{result: &signal.SubmitResult{Accepted: true, ChainID: "chain-1"}}

	sub, err := b.ServeSubmissions(gate, 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	result := requestSubmit(t, ns, "prof-1", validPayload(t, ""))
	assert.True(t, result.Accepted)
	assert.Equal(t, "chain-1", result.ChainID)

	// The subject fills in the profile and the handler stamps submission time
	require.NotNil(t, gate.last)
	assert.Equal(t, "prof-1", gate.last.ProfileID)
	assert.False(t, gate.last.SubmittedAt.IsZero())
}

func TestServeSubmissionsRefusesProfileMismatch(t *testing.T) {
	b, ns := setupTestBus(t)
	gate := &fakeGate{result: &signal.SubmitResult{Accepted: true}}

	sub, err := b.ServeSubmissions(gate, 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	result := requestSubmit(t, ns, "prof-2", validPayload(t, "prof-1"))
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Reason, "does not match subject profile")
	assert.Nil(t, gate.last, "mismatched submissions never reach the gate")
}

func TestServeSubmissionsRefusesMalformedPayload(t *testing.T) {
	b, ns := setupTestBus(t)
	gate := &fakeGate{result: &signal.SubmitResult{Accepted: true}}

	sub, err := b.ServeSubmissions(gate, 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	result := requestSubmit(t, ns, "prof-1", []byte("{not json"))
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Reason, "malformed signal payload")
}

func TestServeSubmissionsAnswersGateErrors(t *testing.T) {
	b, ns := setupTestBus(t)
	gateErr := signal.NewError(signal.KindValidation, signal.CodeBadConfidence, "confidence 1.4000 outside [0,1]")
	gate := &fakeGate{err: gateErr}

	sub, err := b.ServeSubmissions(gate, 0)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	result := requestSubmit(t, ns, "prof-1", validPayload(t, "prof-1"))
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Reason, "confidence")
}

func TestEventLogPublishesDecisionEvents(t *testing.T) {
	b, ns := setupTestBus(t)
	ctx := context.Background()
	eventLog := NewEventLog(audit.NewMemory(), b)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	events := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe("decisions.prof-1.>", events)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	chain := provenance.NewChain("sig-1", "prof-1")
	require.NoError(t, eventLog.CreateChain(ctx, chain))

	builder := provenance.NewBuilder(chain)
	node := builder.Append(provenance.NodeSignalReceived, "gate", map[string]interface{}{"signal_id": "sig-1"}, nil, "")
	require.NoError(t, eventLog.AppendNode(ctx, node))

	select {
	case msg := <-events:
		assert.Equal(t, DecisionSubject("prof-1", provenance.NodeSignalReceived), msg.Subject)
		var event DecisionEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, "prof-1", event.ProfileID)
		assert.Equal(t, chain.ID, event.ChainID)
		assert.Equal(t, string(provenance.NodeSignalReceived), event.NodeType)
		require.NotNil(t, event.Node)
		assert.Equal(t, node.Hash, event.Node.Hash)
	case <-time.After(2 * time.Second):
		t.Fatal("decision event never arrived")
	}

	builder.Seal(provenance.OutcomeRejected)
	require.NoError(t, eventLog.SealChain(ctx, chain))

	select {
	case msg := <-events:
		assert.Equal(t, SealedSubject("prof-1"), msg.Subject)
		var event SealedEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, chain.ID, event.ChainID)
		assert.Equal(t, string(provenance.OutcomeRejected), event.Outcome)
		assert.Equal(t, chain.RootHash, event.RootHash)
		assert.False(t, event.SealedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("sealed event never arrived")
	}
}

func TestEventLogKeepsAuditWriteOnUnknownChain(t *testing.T) {
	b, _ := setupTestBus(t)
	ctx := context.Background()
	mem := audit.NewMemory()
	eventLog := NewEventLog(mem, b)

	// Chain created outside this process: the decorator has no routing entry
	chain := provenance.NewChain("sig-1", "prof-1")
	require.NoError(t, mem.CreateChain(ctx, chain))

	node := provenance.NewBuilder(chain).Append(provenance.NodeSignalReceived, "gate", nil, nil, "")
	require.NoError(t, eventLog.AppendNode(ctx, node))

	stored, err := eventLog.GetChain(ctx, chain.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Nodes, 1)
}

func TestSubscribeEventsSplitsDecisionsAndSeals(t *testing.T) {
	b, _ := setupTestBus(t)
	ctx := context.Background()
	eventLog := NewEventLog(audit.NewMemory(), b)

	decisions := make(chan DecisionEvent, 16)
	seals := make(chan SealedEvent, 16)
	sub, err := b.SubscribeEvents(
		func(ev DecisionEvent) { decisions <- ev },
		func(ev SealedEvent) { seals <- ev },
	)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, b.nc.Flush())

	chain := provenance.NewChain("sig-9", "prof-3")
	require.NoError(t, eventLog.CreateChain(ctx, chain))

	builder := provenance.NewBuilder(chain)
	node := builder.Append(provenance.NodeSignalReceived, "gate", map[string]interface{}{"signal_id": "sig-9"}, nil, "")
	require.NoError(t, eventLog.AppendNode(ctx, node))

	builder.Seal(provenance.OutcomeBlocked)
	require.NoError(t, eventLog.SealChain(ctx, chain))

	select {
	case ev := <-decisions:
		assert.Equal(t, "prof-3", ev.ProfileID)
		assert.Equal(t, string(provenance.NodeSignalReceived), ev.NodeType)
	case <-time.After(2 * time.Second):
		t.Fatal("decision event never arrived")
	}

	select {
	case ev := <-seals:
		assert.Equal(t, chain.ID, ev.ChainID)
		assert.Equal(t, string(provenance.OutcomeBlocked), ev.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("sealed event never arrived")
	}

	// The seal must not have been delivered as a decision
	select {
	case ev := <-decisions:
		t.Fatalf("unexpected extra decision event: %s", ev.NodeType)
	default:
	}
}

// Package bus is the NATS edge of the gateway: producers submit signals on
// per-profile subjects and get the admission verdict as the reply; every
// persisted decision node fans out as an event so operators can follow
// chains live without polling the audit store.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/metrics"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/signal"
)

// Subject layout. Submissions carry the profile in the subject so NATS
// authorization can scope producers to their own tenants.
const (
	submitPrefix   = "signals.submit."
	decisionPrefix = "decisions."

	// SubmitWildcard is the subscription pattern covering every profile
	SubmitWildcard = submitPrefix + "*"

	// sealedToken terminates a chain's event stream
	sealedToken = "chain.sealed"
)

// DefaultSubmitTimeout bounds how long an ingress submission may occupy
// the gate before the producer gets a refusal
const DefaultSubmitTimeout = 10 * time.Second

// SubmitSubject returns the submission subject for one profile
func SubmitSubject(profileID string) string {
	return submitPrefix + profileID
}

// DecisionSubject returns the event subject for one decision node
func DecisionSubject(profileID string, nodeType provenance.NodeType) string {
	return decisionPrefix + profileID + "." + string(nodeType)
}

// SealedSubject returns the event subject for chain seals
func SealedSubject(profileID string) string {
	return decisionPrefix + profileID + "." + sealedToken
}

// Submitter is the admission surface the bus forwards into; the gate
// implements it
type Submitter interface {
	Submit(ctx context.Context, sig *signal.Signal) (*signal.SubmitResult, error)
}

// Config holds the NATS connection settings
type Config struct {
	URL  string
	Name string
}

// Bus wraps one NATS connection
type Bus struct {
	nc *nats.Conn
}

// Connect dials NATS with infinite reconnects; the gateway outlives broker
// restarts
func Connect(cfg Config) (*Bus, error) {
	name := cfg.Name
	if name == "" {
		name = "tradegate"
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name(name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("nats_url", cfg.URL).Str("name", name).Msg("Message bus connected")
	return &Bus{nc: nc}, nil
}

// Close drains the connection
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

// Connected reports connection health for readiness checks
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// ServeSubmissions subscribes the gate to every profile's submission
// subject. Each message is answered with the submit result; transport
// and admission failures both come back as refusals so producers never
// hang on a verdict.
func (b *Bus) ServeSubmissions(gate Submitter, timeout time.Duration) (*nats.Subscription, error) {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}

	sub, err := b.nc.Subscribe(SubmitWildcard, func(msg *nats.Msg) {
		metrics.NATSMessagesReceived.Inc()
		result := b.handleSubmission(gate, msg, timeout)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(result)
		if err != nil {
			log.Error().Err(err).Msg("Failed to marshal submit result")
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Warn().Err(err).Msg("Failed to answer signal submission")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to submissions: %w", err)
	}

	log.Info().Str("subject", SubmitWildcard).Msg("Serving signal submissions")
	return sub, nil
}

func (b *Bus) handleSubmission(gate Submitter, msg *nats.Msg, timeout time.Duration) *signal.SubmitResult {
	profileID := strings.TrimPrefix(msg.Subject, submitPrefix)

	var sig signal.Signal
	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		return &signal.SubmitResult{Accepted: false, Reason: "malformed signal payload: " + err.Error()}
	}
	if sig.ProfileID == "" {
		sig.ProfileID = profileID
	}
	if sig.ProfileID != profileID {
		return &signal.SubmitResult{
			Accepted: false,
			Reason:   fmt.Sprintf("profile_id %s does not match subject profile %s", sig.ProfileID, profileID),
		}
	}
	if sig.SubmittedAt.IsZero() {
		sig.SubmittedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := gate.Submit(ctx, &sig)
	if err != nil {
		serr := signal.AsError(err)
		return &signal.SubmitResult{Accepted: false, ChainID: serr.ChainID, Reason: serr.Error()}
	}
	return result
}

// DecisionEvent is one appended node as published to subscribers
type DecisionEvent struct {
	ProfileID string           `json:"profile_id"`
	ChainID   string           `json:"chain_id"`
	NodeType  string           `json:"node_type"`
	Node      *provenance.Node `json:"node"`
}

// SealedEvent closes a chain's event stream
type SealedEvent struct {
	ProfileID string    `json:"profile_id"`
	ChainID   string    `json:"chain_id"`
	Outcome   string    `json:"outcome"`
	RootHash  string    `json:"root_hash"`
	SealedAt  time.Time `json:"sealed_at"`
}

// DecisionWildcard is the subscription pattern covering every profile's
// decision and seal events
const DecisionWildcard = decisionPrefix + ">"

// SubscribeEvents delivers the live decision stream: every published node
// to onDecision and every chain seal to onSealed. Either handler may be
// nil. Handlers run on the NATS delivery goroutine and must not block.
func (b *Bus) SubscribeEvents(onDecision func(DecisionEvent), onSealed func(SealedEvent)) (*nats.Subscription, error) {
	sub, err := b.nc.Subscribe(DecisionWildcard, func(msg *nats.Msg) {
		metrics.NATSMessagesReceived.Inc()

		if strings.HasSuffix(msg.Subject, "."+sealedToken) {
			if onSealed == nil {
				return
			}
			var event SealedEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				log.Warn().Err(err).Str("subject", msg.Subject).Msg("Malformed sealed event")
				return
			}
			onSealed(event)
			return
		}

		if onDecision == nil {
			return
		}
		var event DecisionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Malformed decision event")
			return
		}
		onDecision(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to decision events: %w", err)
	}

	log.Info().Str("subject", DecisionWildcard).Msg("Following decision events")
	return sub, nil
}

// PublishDecision fans one node out on the profile's decision subject
func (b *Bus) PublishDecision(profileID string, node *provenance.Node) error {
	event := DecisionEvent{
		ProfileID: profileID,
		ChainID:   node.ChainID,
		NodeType:  string(node.Type),
		Node:      node,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal decision event: %w", err)
	}
	metrics.NATSMessagesPublished.Inc()
	return b.nc.Publish(DecisionSubject(profileID, node.Type), data)
}

// PublishSealed fans one chain seal out on the profile's sealed subject
func (b *Bus) PublishSealed(chain *provenance.Chain) error {
	event := SealedEvent{
		ProfileID: chain.ProfileID,
		ChainID:   chain.ID,
		Outcome:   string(chain.Outcome),
		RootHash:  chain.RootHash,
	}
	if chain.SealedAt != nil {
		event.SealedAt = *chain.SealedAt
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal sealed event: %w", err)
	}
	metrics.NATSMessagesPublished.Inc()
	return b.nc.Publish(SealedSubject(chain.ProfileID), data)
}

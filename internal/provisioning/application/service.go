package application

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	alerts "fleet-telemetry/internal/alerts/domain"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// Document is a provisioning file.
type Document struct {
	Agents   []AgentInput   `yaml:"agents" json:"agents"`
	Channels []ChannelInput `yaml:"channels" json:"channels"`
	Rules    []RuleInput    `yaml:"rules" json:"rules"`
}

// AgentInput binds a pre-shared key, or its blake3 digest, to an instance.
type AgentInput struct {
	InstanceID string `yaml:"instanceId" json:"instanceId"`
	Key        string `yaml:"key,omitempty" json:"key,omitempty"`
	KeyDigest  string `yaml:"keyDigest,omitempty" json:"keyDigest,omitempty"`
}

// ChannelInput describes a notification channel.
type ChannelInput struct {
	ID      string            `yaml:"id" json:"id"`
	Name    string            `yaml:"name" json:"name"`
	Type    string            `yaml:"type" json:"type"`
	Enabled *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Config  map[string]string `yaml:"config,omitempty" json:"config,omitempty"`
}

// RuleInput describes an alert rule and the channels it notifies.
type RuleInput struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Type        string            `yaml:"type" json:"type"`
	Severity    string            `yaml:"severity,omitempty" json:"severity,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	InstanceID  string            `yaml:"instanceId,omitempty" json:"instanceId,omitempty"`
	Conditions  alerts.Conditions `yaml:"conditions" json:"conditions"`
	CooldownSec int               `yaml:"cooldownSec,omitempty" json:"cooldownSec,omitempty"`
	Channels    []string          `yaml:"channels,omitempty" json:"channels,omitempty"`
}

// Summary counts what a provisioning run applied.
type Summary struct {
	Agents   int `json:"agents"`
	Channels int `json:"channels"`
	Rules    int `json:"rules"`
}

// KeyRegistrar accepts agent keys.
type KeyRegistrar interface {
	Register(instanceID, key string) error
	RegisterDigest(instanceID, digest string) error
}

// AlertAdmin upserts channels and rules.
type AlertAdmin interface {
	UpsertChannel(ctx context.Context, channel alerts.NotificationChannel) (alerts.NotificationChannel, error)
	UpsertRule(ctx context.Context, rule alerts.AlertRule) (alerts.AlertRule, error)
	SetRuleChannels(ctx context.Context, ruleID string, channelIDs []string) ([]alerts.NotificationChannel, error)
}

// Service applies provisioning documents. Applying the same document twice
// leaves the same state.
type Service struct {
	keys   KeyRegistrar
	alerts AlertAdmin
	logger *zap.Logger
}

// NewService constructs a provisioning service.
func NewService(keys KeyRegistrar, admin AlertAdmin, logger *zap.Logger) (*Service, error) {
	if keys == nil {
		return nil, errors.New("provisioning: nil key registrar")
	}
	if admin == nil {
		return nil, errors.New("provisioning: nil alert admin")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{keys: keys, alerts: admin, logger: logger}, nil
}

// LoadFile reads and parses a provisioning file.
func LoadFile(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("provisioning: read %s: %w", path, err)
	}
	return Parse(bytes.NewReader(raw))
}

// Parse decodes a YAML (or JSON) document and rejects unknown keys.
func Parse(r io.Reader) (Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Document{}, telemetry.NewValidationError("provisioning", "invalid document: %v", err)
	}
	return doc, nil
}

// Apply registers agents, then upserts channels, then rules with their channel links.
func (s *Service) Apply(ctx context.Context, doc Document) (Summary, error) {
	if err := validateDocument(doc); err != nil {
		return Summary{}, err
	}
	var summary Summary

	for _, agent := range doc.Agents {
		var err error
		if agent.KeyDigest != "" {
			err = s.keys.RegisterDigest(agent.InstanceID, agent.KeyDigest)
		} else {
			err = s.keys.Register(agent.InstanceID, agent.Key)
		}
		if err != nil {
			return summary, fmt.Errorf("provisioning: agent %s: %w", agent.InstanceID, err)
		}
		summary.Agents++
	}

	for _, input := range doc.Channels {
		channel := alerts.NotificationChannel{
			ID:      input.ID,
			Name:    input.Name,
			Type:    alerts.ChannelType(input.Type),
			Enabled: boolOr(input.Enabled, true),
			Config:  input.Config,
		}
		if channel.ID == "" {
			channel.ID = stableID("channel", input.Type+"|"+input.Name)
		}
		if _, err := s.alerts.UpsertChannel(ctx, channel); err != nil {
			return summary, fmt.Errorf("provisioning: channel %s: %w", channel.ID, err)
		}
		summary.Channels++
	}

	for _, input := range doc.Rules {
		rule := alerts.AlertRule{
			ID:          input.ID,
			Name:        input.Name,
			Type:        alerts.RuleType(input.Type),
			Severity:    alerts.Severity(input.Severity),
			Enabled:     boolOr(input.Enabled, true),
			InstanceID:  input.InstanceID,
			Conditions:  input.Conditions,
			CooldownSec: input.CooldownSec,
		}
		if rule.ID == "" {
			rule.ID = stableID("rule", input.Name+"|"+input.InstanceID)
		}
		if _, err := s.alerts.UpsertRule(ctx, rule); err != nil {
			return summary, fmt.Errorf("provisioning: rule %s: %w", rule.ID, err)
		}
		if _, err := s.alerts.SetRuleChannels(ctx, rule.ID, input.Channels); err != nil {
			return summary, fmt.Errorf("provisioning: rule %s channels: %w", rule.ID, err)
		}
		summary.Rules++
	}

	s.logger.Info("provisioning: applied",
		zap.Int("agents", summary.Agents),
		zap.Int("channels", summary.Channels),
		zap.Int("rules", summary.Rules))
	return summary, nil
}

func validateDocument(doc Document) error {
	for _, agent := range doc.Agents {
		if strings.TrimSpace(agent.InstanceID) == "" {
			return telemetry.NewValidationError("agents.instanceId", "required")
		}
		if (agent.Key == "") == (agent.KeyDigest == "") {
			return telemetry.NewValidationError("agents."+agent.InstanceID, "exactly one of key or keyDigest is required")
		}
	}
	for _, channel := range doc.Channels {
		if channel.ID == "" && channel.Name == "" {
			return telemetry.NewValidationError("channels.name", "required when id is empty")
		}
	}
	for _, rule := range doc.Rules {
		if rule.ID == "" && rule.Name == "" {
			return telemetry.NewValidationError("rules.name", "required when id is empty")
		}
	}
	return nil
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func stableID(prefix, key string) string {
	sum := blake3.Sum256([]byte(key))
	return prefix + "-" + hex.EncodeToString(sum[:8])
}

// Package registry builds the agent registry: a fixed table mapping agent
// id to display identity, system prompt, model id, default temperature,
// timeout class and delegation capability flags.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/harborfield/agentengine/agent/contract"
	openrouterx "github.com/harborfield/agentengine/pkg/openrouter"
)

// Config carries one shared base model/temperature plus an optional
// per-agent override for each.
type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	LongTimeout        time.Duration `envconfig:"LONG_TIMEOUT" split_words:"true" default:"90s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	ProductManagerModel      string `envconfig:"PRODUCT_MANAGER_MODEL" split_words:"true"`
	FinanceManagerModel      string `envconfig:"FINANCE_MANAGER_MODEL" split_words:"true"`
	MarketingStrategistModel string `envconfig:"MARKETING_STRATEGIST_MODEL" split_words:"true"`
	LeadgenModel             string `envconfig:"LEADGEN_MODEL" split_words:"true"`
	OutboundMailModel        string `envconfig:"OUTBOUND_MAIL_MODEL" split_words:"true"`
	CallPrepModel            string `envconfig:"CALL_PREP_MODEL" split_words:"true"`
	EngineerModel            string `envconfig:"ENGINEER_MODEL" split_words:"true"`
	AssistantModel           string `envconfig:"ASSISTANT_MODEL" split_words:"true"`
	CompactionModel          string `envconfig:"COMPACTION_MODEL" split_words:"true"`
	SynthesisModel           string `envconfig:"SYNTHESIS_MODEL" split_words:"true"`

	ProductManagerTemperature      float32 `envconfig:"PRODUCT_MANAGER_TEMPERATURE" split_words:"true" default:"-1"`
	FinanceManagerTemperature      float32 `envconfig:"FINANCE_MANAGER_TEMPERATURE" split_words:"true" default:"-1"`
	MarketingStrategistTemperature float32 `envconfig:"MARKETING_STRATEGIST_TEMPERATURE" split_words:"true" default:"-1"`
	LeadgenTemperature             float32 `envconfig:"LEADGEN_TEMPERATURE" split_words:"true" default:"-1"`
	OutboundMailTemperature        float32 `envconfig:"OUTBOUND_MAIL_TEMPERATURE" split_words:"true" default:"-1"`
	CallPrepTemperature            float32 `envconfig:"CALL_PREP_TEMPERATURE" split_words:"true" default:"-1"`
	EngineerTemperature            float32 `envconfig:"ENGINEER_TEMPERATURE" split_words:"true" default:"-1"`
	AssistantTemperature           float32 `envconfig:"ASSISTANT_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: model provider api key is required", contract.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contract.ErrValidation)
	}
	return nil
}

func (c Config) modelFor(id contract.AgentID) string {
	var override string
	switch id {
	case contract.ProductManager:
		override = c.ProductManagerModel
	case contract.FinanceManager:
		override = c.FinanceManagerModel
	case contract.MarketingStrategist:
		override = c.MarketingStrategistModel
	case contract.Leadgen:
		override = c.LeadgenModel
	case contract.OutboundMail:
		override = c.OutboundMailModel
	case contract.CallPrep:
		override = c.CallPrepModel
	case contract.Engineer:
		override = c.EngineerModel
	case contract.Assistant:
		override = c.AssistantModel
	}
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	return c.Model
}

func (c Config) temperatureFor(id contract.AgentID) float32 {
	var override float32 = -1
	switch id {
	case contract.ProductManager:
		override = c.ProductManagerTemperature
	case contract.FinanceManager:
		override = c.FinanceManagerTemperature
	case contract.MarketingStrategist:
		override = c.MarketingStrategistTemperature
	case contract.Leadgen:
		override = c.LeadgenTemperature
	case contract.OutboundMail:
		override = c.OutboundMailTemperature
	case contract.CallPrep:
		override = c.CallPrepTemperature
	case contract.Engineer:
		override = c.EngineerTemperature
	case contract.Assistant:
		override = c.AssistantTemperature
	}
	if override >= 0 {
		return override
	}
	return c.Temperature
}

// openRouterFor builds the per-model OpenRouterConfig used as this model
// id's ChatModelBuilder.
func (c Config) openRouterFor(modelID string, temperature float32, timeout time.Duration) *openrouterx.OpenRouterConfig {
	maxTok := c.MaxCompletionToken
	return &openrouterx.OpenRouterConfig{
		BaseURL:            c.BaseURL,
		APIKey:             c.APIKey,
		Model:              modelID,
		MaxCompletionToken: &maxTok,
		Temperature:        temperature,
		Timeout:            timeout,
		SiteURL:            c.SiteURL,
		SiteName:           c.SiteName,
	}
}

// CompactionModelID and SynthesisModelID resolve to the shared default
// model when no dedicated override is configured, used by the memory
// compactor and the research synthesiser respectively.
func (c Config) CompactionModelID() string {
	if v := strings.TrimSpace(c.CompactionModel); v != "" {
		return v
	}
	return c.Model
}

func (c Config) SynthesisModelID() string {
	if v := strings.TrimSpace(c.SynthesisModel); v != "" {
		return v
	}
	return c.Model
}

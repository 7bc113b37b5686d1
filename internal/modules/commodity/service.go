package commodity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mandinet/tradecore/internal/domain"
)

// Service validates quality payloads against the catalog's declared specs.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService creates a new commodity service
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("service", "commodity").Logger(),
	}
}

// Get loads a commodity or fails with a not-found error.
func (s *Service) Get(ctx context.Context, id string) (*domain.Commodity, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, domain.WrapError(domain.KindTransientInfra, "commodity lookup failed", err)
	}
	if c == nil {
		return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("commodity %s not found", id))
	}
	return c, nil
}

// ValidateQuality checks a quality payload against the commodity's declared
// parameter specs. All violations are collected into one error so the caller
// sees the full list, not just the first.
func (s *Service) ValidateQuality(c *domain.Commodity, params domain.ParamValues) error {
	var bad []string

	for _, spec := range c.Parameters {
		val, present := params[spec.Name]
		if !present {
			if spec.Mandatory {
				bad = append(bad, fmt.Sprintf("%s: mandatory parameter missing", spec.Name))
			}
			continue
		}
		if msg := checkValue(spec, val); msg != "" {
			bad = append(bad, fmt.Sprintf("%s: %s", spec.Name, msg))
		}
	}

	for name := range params {
		if _, declared := c.ParamSpecByName(name); !declared {
			bad = append(bad, fmt.Sprintf("%s: not a declared parameter", name))
		}
	}

	if len(bad) > 0 {
		return domain.NewError(domain.KindQualityInvalid, "quality parameters invalid").
			WithFields(bad...)
	}
	return nil
}

func checkValue(spec domain.ParamSpec, val domain.ParamValue) string {
	if val.Kind != spec.Kind {
		return fmt.Sprintf("expected %s value, got %s", spec.Kind, val.Kind)
	}

	switch spec.Kind {
	case domain.ParamNumeric:
		if spec.Min != nil && val.Number < *spec.Min {
			return fmt.Sprintf("value %g below minimum %g", val.Number, *spec.Min)
		}
		if spec.Max != nil && val.Number > *spec.Max {
			return fmt.Sprintf("value %g above maximum %g", val.Number, *spec.Max)
		}
	case domain.ParamRange:
		if val.Min > val.Max {
			return fmt.Sprintf("range inverted (%g > %g)", val.Min, val.Max)
		}
		if spec.Min != nil && val.Min < *spec.Min {
			return fmt.Sprintf("range low %g below minimum %g", val.Min, *spec.Min)
		}
		if spec.Max != nil && val.Max > *spec.Max {
			return fmt.Sprintf("range high %g above maximum %g", val.Max, *spec.Max)
		}
	case domain.ParamText:
		if val.Text == "" {
			return "empty text value"
		}
	}
	return ""
}

package normalize

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"aisiem/internal/logger"
	"aisiem/pkg/models"
)

// Parser maps one raw record onto the normalized shape. A returned error makes the
// pipeline fall back to the generic classification.
type Parser interface {
	Parse(rec models.RawRecord) (*models.NormalizedEvent, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(rec models.RawRecord) (*models.NormalizedEvent, error)

// Parse calls f(rec).
func (f ParserFunc) Parse(rec models.RawRecord) (*models.NormalizedEvent, error) {
	return f(rec)
}

type route struct {
	prefix string
	parser Parser
}

// Pipeline selects a parser by source prefix. Normalize never fails.
type Pipeline struct {
	mu     sync.RWMutex
	routes []route
}

// NewPipeline returns a pipeline with the built-in parsers registered.
func NewPipeline() *Pipeline {
	p := &Pipeline{}
	p.Register("win.eventlog", ParserFunc(ParseWindowsEvent))
	p.Register("win.sysmon", ParserFunc(ParseSysmon))
	p.Register("sysmon", ParserFunc(ParseSysmon))
	p.Register("linux.auth", ParserFunc(ParseLinuxAuth))
	return p
}

// Register adds or replaces the parser for a source prefix. Longer prefixes win.
func (p *Pipeline) Register(prefix string, parser Parser) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.routes {
		if p.routes[i].prefix == prefix {
			p.routes[i].parser = parser
			return
		}
	}
	p.routes = append(p.routes, route{prefix: prefix, parser: parser})
	sort.SliceStable(p.routes, func(i, j int) bool {
		return len(p.routes[i].prefix) > len(p.routes[j].prefix)
	})
}

// Normalize maps rec to an event. Unknown sources and parser failures degrade to a
// generic event with severity 0.
func (p *Pipeline) Normalize(rec models.RawRecord) (ev *models.NormalizedEvent) {
	parser := p.lookup(rec.Source)
	if parser == nil {
		return Generic(rec)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("Parser panic for source %s: %v", rec.Source, r)
			ev = Generic(rec)
		}
	}()

	parsed, err := parser.Parse(rec)
	if err != nil || parsed == nil {
		if err == nil {
			err = fmt.Errorf("parser returned no event")
		}
		logger.Debugf("Falling back to generic event (source=%s host=%s): %v", rec.Source, rec.Host, err)
		return Generic(rec)
	}
	return parsed
}

func (p *Pipeline) lookup(source string) Parser {
	source = strings.ToLower(source)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.routes {
		if strings.HasPrefix(source, r.prefix) {
			return r.parser
		}
	}
	return nil
}

// Generic is the classification of records no parser understood.
func Generic(rec models.RawRecord) *models.NormalizedEvent {
	return models.NewEvent(rec, rec.IngestTS, models.CategoryGeneric, models.SubtypeUnknown, 0)
}

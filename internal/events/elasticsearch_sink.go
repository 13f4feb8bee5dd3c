package events

import (
	"context"
	"errors"
	"fmt"
)

// DocumentIndexer is the part of client.ESClient the sink needs.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document any) error
}

// ElasticsearchSink indexes one document per event. The event ID is the document ID.
type ElasticsearchSink struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchSink(indexer DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{indexer: indexer, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, batch []Event) error {
	var errs []error
	for _, ev := range batch {
		if err := s.indexer.IndexDocument(ctx, s.index, ev.ID, ev); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *ElasticsearchSink) Close() error { return nil }

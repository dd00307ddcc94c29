package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"db-dump-restore/internal/models"

	"gopkg.in/yaml.v3"
)

// OrderFile is the hand-maintained restore order kept next to the dumps.
type OrderFile struct {
	InsertOrder     []string               `yaml:"insert_order"`
	SelfReferencing []models.SelfReference `yaml:"self_referencing"`
}

var defaultInsertOrder = []string{
	"media_folder",
	"media_library",
	"state",
	"city",
	"area",
	"dealer",
	"partner",
	"makes",
	"tag",
	"model",
	"variant",
	"model_video",
	"model_video_category",
	"model_video_header",
	"celebrity",
	"model_celebrity",
	"model_color_image",
	"model_image",
	"model_tags",
	"awards",
	"model_awards",
	"model_spec",
	"model_spec_image",
	"widget_data",
	"expert_review",
	"fun_fact",
	"modelGncap",
	"thought",
	"variant_tags",
	"variant_car",
	"price",
	"dealer_makes",
	"dealer_partner",
	"make_tags",
	"image_tags",
	"user_review",
	"user_review_image",
	"social_review",
	"social_review_comment",
	"leads",
	"schedule_lead",
	"partner_lead",
	"other_popular_makes",
	"state_wise_make_registration",
	"review_report",
	"monthly_sales",
}

func DefaultOrderFile() *OrderFile {
	return &OrderFile{
		InsertOrder: append([]string(nil), defaultInsertOrder...),
		SelfReferencing: []models.SelfReference{
			{Table: "model", Column: "nextModelId", Key: "id"},
		},
	}
}

// LoadOrderFile reads the curated order. A missing file yields the built-in order.
func LoadOrderFile(path string) (*OrderFile, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultOrderFile(), nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultOrderFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read order file %s: %w", path, err)
	}
	return ParseOrderFile(b)
}

func ParseOrderFile(b []byte) (*OrderFile, error) {
	var of OrderFile
	if err := yaml.Unmarshal(b, &of); err != nil {
		return nil, fmt.Errorf("parse order file: %w", err)
	}
	seen := make(map[string]bool, len(of.InsertOrder))
	for _, t := range of.InsertOrder {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("order file: empty table name")
		}
		if seen[t] {
			return nil, fmt.Errorf("order file: table %q listed twice", t)
		}
		seen[t] = true
	}
	for _, ref := range of.SelfReferencing {
		if ref.Table == "" || ref.Column == "" {
			return nil, fmt.Errorf("order file: self reference needs table and column")
		}
	}
	for i := range of.SelfReferencing {
		if of.SelfReferencing[i].Key == "" {
			of.SelfReferencing[i].Key = "id"
		}
	}
	return &of, nil
}

// Save writes the order back as YAML, used when regenerating it from live metadata.
func (o *OrderFile) Save(path string) error {
	b, err := yaml.Marshal(o)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

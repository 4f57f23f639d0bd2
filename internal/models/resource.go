package models

import "time"

// Resource is one entry of the fixed pool configured at boot.
type Resource struct {
	ID        int64     `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Comment   string    `yaml:"comment" json:"comment,omitempty"`
	CreatedAt time.Time `yaml:"-" json:"created_at"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at"`
}

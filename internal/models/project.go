package models

import (
	"encoding/json"
	"time"
)

// Project status keys. Each workflow moves a project through a ready,
// in-progress, and success-or-failure key.
const (
	ProjectReadyToProvision = "ready_to_provision"
	ProjectProvisioning     = "provisioning"
	ProjectActive           = "active"
	ProjectProvisionFailed  = "provision_failed"

	ProjectReadyToArchive = "ready_to_archive"
	ProjectArchiving      = "archiving"
	ProjectArchived       = "archived"
	ProjectArchiveFailed  = "archive_failed"

	ProjectReadyToDeliver = "ready_to_deliver"
	ProjectDelivering     = "delivering"
	ProjectDelivered      = "delivered"
	ProjectDeliveryFailed = "delivery_failed"
)

// DataProfileReal marks projects that hold production client data.
const DataProfileReal = "real"

// Project is the entity every workflow runs against.
type Project struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	ClientName  string          `json:"client_name"`
	ClientEmail string          `json:"client_email,omitempty"`
	StatusKey   string          `json:"status_key"`
	DataProfile string          `json:"data_profile"`
	Metadata    json.RawMessage `json:"metadata"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

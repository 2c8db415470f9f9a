// Package emitter holds the conventions shared by the message bus emitters.
package emitter

import (
	"fmt"

	"github.com/iancoleman/strcase"
)

const DefaultTopicPrefix = "outbox"

// Message headers carried with every event. Consumers deduplicate on
// HeaderID.
const (
	HeaderID        = "id"
	HeaderTenantID  = "tenantId"
	HeaderEventType = "eventType"
	HeaderCreatedAt = "createdAt"
)

// TopicName builds a topic name from an event type (e.g. if
// eventType="inventory.goods_received" then the topic name is
// "outbox-inventory-goods-received").
func TopicName(prefix, eventType string) string {
	return fmt.Sprintf("%s-%s", prefix, strcase.ToKebab(eventType))
}

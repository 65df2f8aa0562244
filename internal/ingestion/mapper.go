package ingestion

import (
	"github.com/google/uuid"

	"github.com/cyderes/findings-ingestion-service/internal/extraction"
	"github.com/cyderes/findings-ingestion-service/internal/models"
)

// ToRecords emits one insert record per entity, in document then entity order. Every
// record gets a fresh random id; nothing is merged or deduplicated.
func ToRecords(result *extraction.Result, prov models.Provenance) []models.FindingRecord {
	if result == nil {
		return nil
	}

	records := make([]models.FindingRecord, 0, result.EntityCount())
	for _, doc := range result.Documents {
		for _, entity := range doc.Entities {
			records = append(records, models.FindingRecord{
				ID:                   uuid.NewString(),
				Subscription:         prov.Subscription,
				ResourceGroup:        prov.ResourceGroup,
				StorageAreaName:      prov.StorageAreaName,
				StorageAreaContainer: prov.StorageAreaContainer,
				FileName:             prov.FileName,
				Operation:            models.OperationInsert,
				FieldName:            entity.Category,
				FieldType:            entity.Category,
				SourceLastModified:   prov.LastModified,
			})
		}
	}
	return records
}

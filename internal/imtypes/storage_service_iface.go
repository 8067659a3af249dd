// internal/imtypes/storage_service_iface.go
package imtypes

import (
	"context"

	"im-realtime/internal/models"
)

// CallLogWriter 定义了通话记录的写入接口。
// 将接口定义放在 imtypes 中以打破 storage 和 call 之间的依赖。
type CallLogWriter interface {
	// SaveCallLog 保存一条已结束的通话记录。
	SaveCallLog(ctx context.Context, entry *models.CallLog) error
}

package mastering

import "github.com/gin-gonic/gin"

// RegisterRoutes はアップロード・状態照会・ダウンロードのルートを登録します。
func RegisterRoutes(r gin.IRoutes, svc *Service, maxUploadBytes int64) {
	r.POST("/upload", LimitUploadSize(maxUploadBytes), UploadHandler(svc))
	r.GET("/status/:id", StatusHandler(svc))
	r.GET("/download/:id/:depth", DownloadHandler(svc))
}

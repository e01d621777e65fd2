// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到（房間已移除、玩家已離開）
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeRoomFull 房間已滿
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeProtocol 協議錯誤（無法解析的訊框）
	ErrCodeProtocol = "PROTOCOL_ERROR"
	// ErrCodeConfig 配置錯誤（房間建立時致命）
	ErrCodeConfig = "CONFIG_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is，錯誤碼與訊息相同即視為同一錯誤
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本，預定義錯誤因此不會被修改
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrUnknownRule 規則名稱不在目錄中
	ErrUnknownRule = New(ErrCodeConfig, "unknown rule")

	// ErrInvalidDimensions 網格尺寸必須為正數
	ErrInvalidDimensions = New(ErrCodeConfig, "grid dimensions must be positive")

	// ErrInvalidConfig 配置不合法
	ErrInvalidConfig = New(ErrCodeConfig, "invalid configuration")

	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrPlayerNotFound 玩家不在任何房間
	ErrPlayerNotFound = New(ErrCodeNotFound, "player not found")

	// ErrRoomFull 房間已滿
	ErrRoomFull = New(ErrCodeRoomFull, "room is full")

	// ErrPlayerExists 玩家已在房間內
	ErrPlayerExists = New(ErrCodeInvalidInput, "player already seated")

	// ErrMalformedFrame 無法解析的輸入訊框
	ErrMalformedFrame = New(ErrCodeProtocol, "malformed frame")

	// ErrUnknownCommand 未知的命令類型
	ErrUnknownCommand = New(ErrCodeProtocol, "unknown command type")

	// ErrContainerStopped 容器已停止
	ErrContainerStopped = New(ErrCodeUnavailable, "container stopped")

	// ErrQueueFull 佇列已滿
	ErrQueueFull = New(ErrCodeUnavailable, "queue is full")

	// ErrRoomFault 房間推進時發生未預期錯誤
	ErrRoomFault = New(ErrCodeInternal, "room tick failed")
)

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsRoomFull 檢查是否為房間已滿錯誤
func IsRoomFull(err error) bool {
	return hasCode(err, ErrCodeRoomFull)
}

// IsProtocol 檢查是否為協議錯誤
func IsProtocol(err error) bool {
	return hasCode(err, ErrCodeProtocol)
}

// IsConfig 檢查是否為配置錯誤
func IsConfig(err error) bool {
	return hasCode(err, ErrCodeConfig)
}

// IsUnavailable 檢查是否為服務不可用錯誤
func IsUnavailable(err error) bool {
	return hasCode(err, ErrCodeUnavailable)
}

// As 同標準庫 errors.As
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is 同標準庫 errors.Is
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

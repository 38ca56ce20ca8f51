// internal/errors/codes.go
package errors

// 返回给客户端的错误代码，服务层和API层共用
const (
	// 通用错误
	CodeValidation   = "VALIDATION_ERROR"
	CodeBadRequest   = "BAD_REQUEST"
	CodeNotFound     = "NOT_FOUND"
	CodeProcessing   = "PROCESSING_ERROR"
	CodeInternal     = "INTERNAL_ERROR"
	CodeConflict     = "CONFLICT"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeRateLimited  = "RATE_LIMIT_EXCEEDED"
	CodeTimeout      = "TIMEOUT"
	CodeUnavailable  = "SERVICE_UNAVAILABLE"
	CodeStorage      = "STORAGE_ERROR"
	CodeUnknown      = "UNKNOWN_ERROR"

	// 写作流程相关错误
	CodeStepLocked      = "STEP_LOCKED"
	CodeSessionBusy     = "SESSION_BUSY"
	CodeInvalidGenre    = "INVALID_GENRE"
	CodeInvalidCustom   = "INVALID_CUSTOMIZATION"
	CodeContextTooLarge = "CONTEXT_TOO_LARGE"
	CodeUnknownAction   = "UNKNOWN_ACTION"

	// LLM服务相关错误
	CodeLLMServiceUnavailable = "LLM_SERVICE_UNAVAILABLE"
	CodeLLMConfigInvalid      = "LLM_CONFIG_INVALID"
	CodeGenerationFailed      = "GENERATION_FAILED"
	CodeGenerationBlocked     = "GENERATION_BLOCKED"

	// 文件相关错误
	CodeStoryFileNotFound = "STORY_FILE_NOT_FOUND"
	CodeStorySaveFailed   = "STORY_SAVE_FAILED"
	CodeStoryLoadFailed   = "STORY_LOAD_FAILED"
)

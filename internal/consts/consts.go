package consts

// RequestId 请求id名称
const RequestId = "request_id"

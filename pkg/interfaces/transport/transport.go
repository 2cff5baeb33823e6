// Package transport 定义分层传输契约
//
// 栈中每一层（Identity、Liveness、Priority）都包装恰好一个下层 Transport，
// 并向上暴露同样的 Transport 接口。标识符类型由泛型参数给出：
// 原始传输使用网络地址，Identity 层之上使用覆盖网络节点句柄。
//
// 所有 socket 都是非阻塞的：Read/Write 立即返回，
// 需要等待时通过 Register 向 reactor 登记读/写兴趣，就绪后回调 SocketReceiver。
package transport

import "fmt"

// ============================================================================
//                              Transport 接口
// ============================================================================

// Transport 异步点对点传输
type Transport[ID comparable] interface {
	// OpenSocket 打开到 id 的 socket，结果通过 cb 回调
	OpenSocket(id ID, cb SocketCallback[ID], opts Options) SocketRequest[ID]

	// SendMessage 向 id 发送一条消息，成功/失败通过 cb 回调（cb 可为 nil）
	SendMessage(id ID, msg []byte, cb MessageCallback[ID], opts Options) MessageRequest[ID]

	// LocalIdentifier 返回本地标识
	LocalIdentifier() ID

	// AcceptSockets 是否接受入站 socket
	AcceptSockets(accept bool)

	// AcceptMessages 是否接受入站消息
	AcceptMessages(accept bool)

	// SetCallback 设置上层回调（入站 socket 与消息）
	SetCallback(cb Callback[ID])

	// SetErrorHandler 设置错误处理器
	SetErrorHandler(h ErrorHandler[ID])

	// Destroy 销毁传输层及其下层
	Destroy() error
}

// Callback 上层回调
type Callback[ID comparable] interface {
	// IncomingSocket 收到入站 socket
	IncomingSocket(s Socket[ID]) error

	// MessageReceived 收到消息
	MessageReceived(from ID, msg []byte, opts Options) error
}

// ErrorHandler 处理无法投递的数据与连接级异常
type ErrorHandler[ID comparable] interface {
	// ReceivedUnexpectedData 收到无法解析的数据（协议违规）
	ReceivedUnexpectedData(id ID, data []byte, pos int, opts Options)

	// ReceivedException 连接或处理过程中的异常
	ReceivedException(id ID, err error)
}

// SocketCallback 打开 socket 的结果回调，err 为 nil 时 s 有效
type SocketCallback[ID comparable] func(req SocketRequest[ID], s Socket[ID], err error)

// MessageCallback 消息结果回调，err 为 nil 表示已确认送出
type MessageCallback[ID comparable] func(req MessageRequest[ID], err error)

// ============================================================================
//                              请求句柄
// ============================================================================

// Cancellable 可取消的操作
type Cancellable interface {
	// Cancel 取消操作，返回是否成功取消
	Cancel() bool
}

// SocketRequest 打开 socket 的请求句柄
type SocketRequest[ID comparable] interface {
	Cancellable
	Identifier() ID
	Options() Options
}

// MessageRequest 发送消息的请求句柄
type MessageRequest[ID comparable] interface {
	Cancellable
	Identifier() ID
	Message() []byte
	Options() Options
}

// ============================================================================
//                              Socket 接口
// ============================================================================

// Socket 非阻塞 socket
type Socket[ID comparable] interface {
	// Identifier 返回远端标识
	Identifier() ID

	// Options 返回打开时的选项
	Options() Options

	// Read 非阻塞读；无数据时返回 (0, nil)，流结束返回 io.EOF
	Read(p []byte) (int, error)

	// Write 非阻塞写；可能只写入部分数据
	Write(p []byte) (int, error)

	// Register 登记一次性的读/写兴趣，就绪时在 reactor 上回调 r
	Register(wantRead, wantWrite bool, r SocketReceiver[ID])

	// ShutdownOutput 关闭写方向
	ShutdownOutput()

	// Close 关闭 socket
	Close() error
}

// SocketReceiver socket 就绪回调
type SocketReceiver[ID comparable] interface {
	// ReceiveSelectResult socket 可读/可写；返回错误时 socket 转而调用 ReceiveException
	ReceiveSelectResult(s Socket[ID], canRead, canWrite bool) error

	// ReceiveException socket 发生异常
	ReceiveException(s Socket[ID], err error)
}

// ============================================================================
//                              选项
// ============================================================================

// Priority 消息优先级，值越小越优先
type Priority int

// 七个命名优先级
const (
	PriorityMax        Priority = -15
	PriorityHigh       Priority = -10
	PriorityMediumHigh Priority = -5
	PriorityMedium     Priority = 0
	PriorityMediumLow  Priority = 5
	PriorityLow        Priority = 10
	PriorityLowest     Priority = 15
)

// String 返回优先级名称
func (p Priority) String() string {
	switch p {
	case PriorityMax:
		return "max"
	case PriorityHigh:
		return "high"
	case PriorityMediumHigh:
		return "medium-high"
	case PriorityMedium:
		return "medium"
	case PriorityMediumLow:
		return "medium-low"
	case PriorityLow:
		return "low"
	case PriorityLowest:
		return "lowest"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Options 层间传递的发送/打开选项
//
// 零值表示默认：中等优先级、可靠传输、携带身份。
type Options struct {
	// Priority 发送优先级（Priority 层使用）
	Priority Priority

	// Datagram 走数据报路径，绕过 Priority 层队列
	Datagram bool

	// NoIdentity 消息不携带身份（Identity 层 NO_ID 头）
	NoIdentity bool

	// NodeHandleIndex Identity 层分配的句柄索引，0 表示未设置
	NodeHandleIndex int
}

// WithPriority 返回设置了优先级的副本
func (o Options) WithPriority(p Priority) Options {
	o.Priority = p
	return o
}

// WithDatagram 返回走数据报路径的副本
func (o Options) WithDatagram() Options {
	o.Datagram = true
	return o
}

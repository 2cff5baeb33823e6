// Package priority 实现优先级消息传输层
//
// Priority 层把任意多条排队消息复用到每个目标有限的几条 socket 上：
//
//   - 每个目标一个按 (优先级, 提交序号) 排序的队列，超过 MaxQueueSize
//     时从最低优先级、最新提交的尾部丢弃，被丢弃者收到 ErrQueueOverflow
//   - 每个目标同一时刻最多一条消息在写，写完再取下一条
//   - 超过 MaxMsgSize 的消息同步失败，不进入队列
//   - 目标被判定为 Dead 时，队列中的消息以 ErrNodeIsFaulty 失败
//
// # Socket 类型
//
// 每条 socket 的第一个字节选择其类型：
//
//	PASSTHROUGH=0  直接交给调用方的原始 socket
//	PRIMARY=1      本层私有，用于传输帧化消息
//
// # 帧格式
//
//	uint32(len, 大端) | 载荷
//
// 读取方声明长度超过 MaxMsgSize 时视为协议违规并关闭连接。
//
// 数据报（Options.Datagram）不经过队列，直接交给下层。
package priority

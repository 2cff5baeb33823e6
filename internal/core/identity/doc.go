// Package identity 实现身份校验传输层
//
// Identity 层位于原始传输（按网络地址寻址）之上，向上暴露按覆盖网络
// 身份（NodeHandle）寻址的传输。它保证送达本节点的 socket 与消息
// 确实是发给本节点当前身份的，并让过期的身份绑定尽快暴露出来。
//
// # Socket 握手
//
// 出站方打开原始 socket 后写入：
//
//	uvarint(len) | 目标身份 | uvarint(len) | 本地身份
//
// 入站方读取后回复一个字节：SUCCESS=1 表示目标身份与本地一致，
// socket 交给上层；FAILURE=0 表示身份已过期，随后关闭。
// 出站方收到 FAILURE 时请求以 ErrNodeIsFaulty 失败，目标身份被判定为永久死亡。
//
// # 消息头
//
// 每条消息以一个头字节开始：
//
//	INCORRECT_IDENTITY=0 | uvarint(len) | 旧身份 | uvarint(len) | 新身份
//	NORMAL=1             | uvarint(len) | 目标身份 | uvarint(len) | 本地身份 | 载荷
//	NO_ID=2              | 载荷
//
// 收到目标身份不符的 NORMAL 消息时回复 INCORRECT_IDENTITY；
// 收到 INCORRECT_IDENTITY 时按 ChangePolicy 判定新身份是否可信，
// 旧身份一律判定为永久死亡。
//
// # 永久死亡
//
// 永久死亡是终态：取消发往该身份的全部挂起请求、删除绑定、
// 通知存活检测层，并记入有界 LRU，之后对该身份的发送立即失败。
package identity

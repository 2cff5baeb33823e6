// Package liveness 实现存活检测传输层
//
// Layer 包装一个下层 Transport，在每条消息前加一个 tag 字节：
//
//	NORMAL(0) | payload          普通消息，去掉 tag 后交给上层
//	PING(1)   | 8 字节时间戳      回复 PONG，时间戳原样带回
//	PONG(2)   | 8 字节时间戳      RTT = now - 时间戳，喂给 RTO 估计器
//
// 每个远端标识对应一个 entityManager，保存平滑 RTT、偏差、RTO、
// 存活状态和至多一个 deadChecker。CheckLiveness 启动 deadChecker：
// 先标记 Suspected 并发出 ping，之后按 PingDelay·2^(tries-1)（带抖动）
// 重试，NumPingTries 次仍无 PONG 则标记 Dead。
//
// DeadForever 只能由外部（Identity 层、Priority 层）显式设置，是终态。
//
// 经由本层获得的 socket 在登记写兴趣时启动停滞定时器
// （StallFactor × RTO），写成功即取消，超时则触发 CheckLiveness。
package liveness

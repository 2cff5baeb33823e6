// Package pastry 提供分层的覆盖网络传输栈
//
// 传输栈由三层中间件叠加在原始点对点传输（TCP 流 + UDP 数据报，
// 或测试用的内存网络）之上，全部由单线程 reactor 驱动：
//
//	┌──────────────────────────────────────────────┐
//	│  Priority   primary socket、长度分帧、优先级队列  │
//	├──────────────────────────────────────────────┤
//	│  Liveness   PING/PONG、RTO 估计、死亡判定        │
//	├──────────────────────────────────────────────┤
//	│  Identity   身份握手、消息头、过期身份检测        │
//	├──────────────────────────────────────────────┤
//	│  Raw        wire（TCP/UDP）或 memnet            │
//	└──────────────────────────────────────────────┘
//
// 每一层都实现同一个 transport.Transport 接口并包装恰好一个下层。
// Identity 层把网络地址映射为 types.NodeHandle，其上各层以 NodeHandle 寻址。
//
// # 快速开始
//
//	stack, err := pastry.Start(ctx,
//	    pastry.WithListenAddr("0.0.0.0:9001"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stack.Close()
//
//	stack.Transport().SendMessage(peer, []byte("hello"), func(_ transport.MessageRequest[types.NodeHandle], err error) {
//	    // err == nil 表示已写入 primary socket
//	}, transport.Options{Priority: transport.PriorityHigh})
//
// 不使用 fx 时可以用 NewStack 在已有的 reactor 与原始传输上手动组装。
//
// # 配置
//
// 用户配置可以从 JSON 或 YAML 文件加载：
//
//	cfg, err := pastry.LoadUserConfig("node.yaml")
//	stack, err := pastry.Start(ctx, cfg.ToOptions()...)
package pastry

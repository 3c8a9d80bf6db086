package util

const (
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
)

// 容器对外暴露方式
const (
	ExposePublish = "publish"
	ExposeProxy   = "proxy"
)

const FlagEnvName = "GZCTF_FLAG"

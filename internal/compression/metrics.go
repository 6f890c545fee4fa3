package compression

import "github.com/prometheus/client_golang/prometheus"

var (
	bytesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_compression_input_bytes_total",
		Help: "Uncompressed bytes handed to the compressor",
	}, []string{"type"})

	bytesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_compression_output_bytes_total",
		Help: "Compressed bytes produced",
	}, []string{"type"})

	decompressErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "profile_governor_compression_decompress_errors_total",
		Help: "Payloads that failed to decompress",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(bytesIn, bytesOut, decompressErrors)
}

func recordCompress(t Type, in, out int) {
	bytesIn.WithLabelValues(string(t)).Add(float64(in))
	bytesOut.WithLabelValues(string(t)).Add(float64(out))
}

// Package features turns audio frames into normalized log-mel spectrograms.
//
// The transform follows the usual librosa recipe: a centered, reflect-padded
// STFT with a periodic Hann window, a triangular mel filterbank on the power
// spectrum, power_to_db referenced to the frame maximum with an 80 dB floor,
// and finally (x-mean)/(std+1e-6) with the mean and std read from an injected
// NormalizationStats holder.
package features
